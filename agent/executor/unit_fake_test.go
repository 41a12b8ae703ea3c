package executor

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/livekit/agents-js-sub008/agent/ipc"
)

// fakeUnit is an in-memory Unit whose child side is scripted by the test.
type fakeUnit struct {
	parent ipc.Conn
	child  ipc.Conn

	started    atomic.Bool
	exited     chan struct{}
	exitOnce   sync.Once
	code       atomic.Int64
	memBits    atomic.Uint64
	terminated atomic.Int32

	received chan ipc.Case
}

func newFakeUnit() *fakeUnit {
	parent, child := ipc.Pipe(64)
	u := &fakeUnit{
		parent:   parent,
		child:    child,
		exited:   make(chan struct{}),
		received: make(chan ipc.Case, 256),
	}
	u.code.Store(-1)
	return u
}

func (u *fakeUnit) Start(ctx context.Context) error {
	u.started.Store(true)
	return ctx.Err()
}

func (u *fakeUnit) Conn() ipc.Conn { return u.parent }

func (u *fakeUnit) Alive() bool {
	if !u.started.Load() {
		return false
	}
	select {
	case <-u.exited:
		return false
	default:
		return true
	}
}

func (u *fakeUnit) PID() int { return 4242 }

func (u *fakeUnit) MemoryMB() float64 { return math.Float64frombits(u.memBits.Load()) }

func (u *fakeUnit) setMemory(mb float64) { u.memBits.Store(math.Float64bits(mb)) }

func (u *fakeUnit) Terminate() error {
	u.terminated.Add(1)
	u.exit(-1)
	return nil
}

func (u *fakeUnit) Exited() <-chan struct{} { return u.exited }

func (u *fakeUnit) ExitCode() int { return int(u.code.Load()) }

func (u *fakeUnit) exit(code int) {
	u.exitOnce.Do(func() {
		u.code.Store(int64(code))
		close(u.exited)
		_ = u.child.Close()
	})
}

// childScript decides how the fake child answers the parent.
type childScript struct {
	answerInit     bool
	answerPing     bool
	answerShutdown bool
	// pingLag is subtracted from the echoed ping timestamp.
	pingLag time.Duration
}

// serve runs the scripted child until the pipe closes.
func (u *fakeUnit) serve(script childScript) {
	go func() {
		for {
			msg, err := u.child.Recv(context.Background())
			if err != nil {
				return
			}
			u.received <- msg.Case
			switch msg.Case {
			case ipc.CaseInitializeRequest:
				if script.answerInit {
					_ = u.child.Send(ipc.NewInitializeResponse())
				}
			case ipc.CasePingRequest:
				if script.answerPing {
					last := msg.Ping.Timestamp - script.pingLag.Milliseconds()
					_ = u.child.Send(ipc.NewPongResponse(last, ipc.NowMillis(time.Now())))
				}
			case ipc.CaseShutdownRequest:
				if script.answerShutdown {
					_ = u.child.Send(ipc.NewExiting("shutdown requested"))
					_ = u.child.Send(ipc.NewDone())
					u.exit(0)
					return
				}
			}
		}
	}()
}

// sawCase drains received cases until want shows up or the wait expires.
func (u *fakeUnit) sawCase(want ipc.Case, wait time.Duration) bool {
	deadline := time.After(wait)
	for {
		select {
		case c := <-u.received:
			if c == want {
				return true
			}
		case <-deadline:
			return false
		}
	}
}
