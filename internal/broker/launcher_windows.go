//go:build windows

package broker

import (
	"context"
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/windows"

	"wgbroker/internal/ipc"
)

// ElevatedLauncher starts "<HelperPath> broker <pid> <read> <write>" through
// ShellExecute's "runas" verb. The helper pulls both handles out of this
// process itself. ConfigPath is handed on to the helper.
type ElevatedLauncher struct {
	HelperPath string
	ConfigPath string
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

	args := windows.ComposeCommandLine(HelperArgs(os.Getpid(), helperR.Value(), helperW.Value(), l.ConfigPath))
	if err := shellExecuteRunas(path, args); err != nil {
		ipc.CloseAll(helperR, helperW, toHelperW, fromHelperR)
		if errors.Is(err, windows.ERROR_CANCELLED) {
			return nil, ErrElevationDenied
		}
		return nil, fmt.Errorf("ShellExecute runas: %w", err)
	}

	// The helper now owns these values and closes our copies when it
	// duplicates them.
	helperR.Release()
	helperW.Release()

	conn, err := ipc.NewDuplex(fromHelperR, toHelperW)
	if err != nil {
		return nil, err
	}
	return &Launched{Conn: conn}, nil
}

func shellExecuteRunas(path, args string) error {
	verb, err := windows.UTF16PtrFromString("runas")
	if err != nil {
		return err
	}
	file, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return err
	}
	params, err := windows.UTF16PtrFromString(args)
	if err != nil {
		return err
	}
	return windows.ShellExecute(0, verb, file, params, nil, windows.SW_HIDE)
}
