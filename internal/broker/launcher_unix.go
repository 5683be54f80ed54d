//go:build !windows

package broker

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"wgbroker/internal/core"
	"wgbroker/internal/ipc"
)

// Descriptor numbers the helper sees for its inherited pipe ends.
const (
	helperReadFD  = 3
	helperWriteFD = 4
)

// ElevatedLauncher starts "<HelperPath> broker <pid> 3 4" with the helper's
// pipe ends as inherited descriptors 3 and 4. Elevate, when set, is
// prepended to the command line (for example a sudo invocation that keeps
// descriptors open). ConfigPath is handed on to the helper.
type ElevatedLauncher struct {
	HelperPath string
	Elevate    []string
	ConfigPath string
}

func (l *ElevatedLauncher) argv(path string, parentPid int) []string {
	argv := append([]string{}, l.Elevate...)
	argv = append(argv, path)
	return append(argv, HelperArgs(parentPid, helperReadFD, helperWriteFD, l.ConfigPath)...)
}

// Launch implements Launcher.
func (l *ElevatedLauncher) Launch(ctx context.Context) (*Launched, error) {
	path := l.HelperPath
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, err
		}
		path = exe
	}

	// toHelper carries UI -> helper, fromHelper carries helper -> UI.
	toHelperR, toHelperW, err := ipc.NewPipePair()
	if err != nil {
		return nil, err
	}
	fromHelperR, fromHelperW, err := ipc.NewPipePair()
	if err != nil {
		ipc.CloseAll(toHelperR, toHelperW)
		return nil, err
	}

	helperR, err := ipc.TransferToSelf(toHelperR)
	if err != nil {
		ipc.CloseAll(toHelperW, fromHelperR, fromHelperW)
		return nil, err
	}
	helperW, err := ipc.TransferToSelf(fromHelperW)
	if err != nil {
		ipc.CloseAll(helperR, toHelperW, fromHelperR)
		return nil, err
	}

	rf, err := helperR.File("helper-read")
	if err != nil {
		ipc.CloseAll(helperW, toHelperW, fromHelperR)
		return nil, err
	}
	defer rf.Close()
	wf, err := helperW.File("helper-write")
	if err != nil {
		ipc.CloseAll(toHelperW, fromHelperR)
		return nil, err
	}
	defer wf.Close()

	argv := l.argv(path, os.Getpid())
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.ExtraFiles = []*os.File{rf, wf}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		ipc.CloseAll(toHelperW, fromHelperR)
		return nil, fmt.Errorf("start helper: %w", err)
	}
	go func() {
		err := cmd.Wait()
		core.Log.Debugf("Broker", "Launched process %d reaped: %v", cmd.Process.Pid, err)
	}()

	conn, err := ipc.NewDuplex(fromHelperR, toHelperW)
	if err != nil {
		cmd.Process.Kill()
		return nil, err
	}
	return &Launched{Conn: conn, Pid: cmd.Process.Pid}, nil
}
