package server

import (
	"github.com/codefionn/resident/internal/checkpoint"
	"github.com/codefionn/resident/internal/inputparse"
	"github.com/codefionn/resident/internal/ptymgr"
)

// Messages handled by the session loop. Those carrying a done channel are
// acknowledged once fully applied.

type attachMsg struct {
	client *client
	done   chan struct{}
}

func (*attachMsg) Type() string { return "attach" }

type detachMsg struct {
	client *client
}

func (*detachMsg) Type() string { return "detach" }

type inputMsg struct {
	client *client
	events []inputparse.Event
	done   chan struct{}
}

func (*inputMsg) Type() string { return "input" }

type resizeMsg struct {
	client     *client
	cols, rows int
}

func (*resizeMsg) Type() string { return "resize" }

type paneMsg struct {
	event ptymgr.Event
}

func (*paneMsg) Type() string { return "pane" }

type redrawMsg struct{}

func (*redrawMsg) Type() string { return "redraw" }

type snapshotMsg struct {
	reply chan *checkpoint.Snapshot
}

func (*snapshotMsg) Type() string { return "snapshot" }

type sweepMsg struct{}

func (*sweepMsg) Type() string { return "sweep" }

type quitMsg struct {
	reason string
	done   chan struct{}
}

func (*quitMsg) Type() string { return "quit" }
