package broker

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"wgbroker/internal/core"
	"wgbroker/internal/ipc"
)

// errSessionOver ends the helper run group without reporting a failure.
var errSessionOver = errors.New("broker: session over")

// RunAsHelperProcess is the elevated side's entry point. It adopts the pipe
// handles the parent passed on the command line, serves commands on them
// and returns when the parent goes away or closes the pipe.
func RunAsHelperProcess(ctx context.Context, parentPid int, readValue, writeValue uintptr, srv *Server, w ProcessWatcher) error {
	if !w.Alive(parentPid) {
		return fmt.Errorf("broker: parent process %d is not running", parentPid)
	}

	r, err := ipc.AdoptFromProcess(parentPid, readValue)
	if err != nil {
		return err
	}
	wr, err := ipc.AdoptFromProcess(parentPid, writeValue)
	if err != nil {
		r.Close()
		return err
	}
	conn, err := ipc.NewDuplex(r, wr)
	if err != nil {
		return err
	}

	t := ipc.NewTransport("ui", conn)
	srv.Attach(t)
	t.Start()
	core.Log.Infof("Broker", "Helper serving parent %d", parentPid)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		select {
		case <-t.Done():
			core.Log.Infof("Broker", "Parent closed the pipe")
			return errSessionOver
		case <-gctx.Done():
			t.Close()
			return nil
		}
	})
	g.Go(func() error {
		if err := w.Wait(gctx, parentPid); err != nil {
			return nil
		}
		core.Log.Infof("Broker", "Parent %d exited", parentPid)
		return errSessionOver
	})

	err = g.Wait()
	t.Close()
	srv.Wait()
	if errors.Is(err, errSessionOver) {
		return nil
	}
	return err
}
