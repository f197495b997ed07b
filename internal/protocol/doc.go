// Package protocol defines the control channel spoken between a resident
// client and its session server.
//
// # Wire format
//
// Every control message is one line of JSON terminated by '\n':
//
//	{"type":"resize","data":{"cols":120,"rows":40}}
//
// The first message on a new control connection is always the client's
// hello. The server answers with either a server hello, which carries the
// client id used to pair the data channel, or a version mismatch naming the
// recovery action the client should take.
//
// The data channel is not framed by this package. It carries raw terminal
// input from the client and raw rendered output from the server.
package protocol
