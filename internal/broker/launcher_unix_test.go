//go:build !windows

package broker

import (
	"reflect"
	"testing"
)

func TestLauncherArgv(t *testing.T) {
	tests := []struct {
		name string
		l    ElevatedLauncher
		want []string
	}{
		{
			name: "plain",
			l:    ElevatedLauncher{},
			want: []string{"/opt/wgbroker", "broker", "4242", "3", "4"},
		},
		{
			name: "config and elevation",
			l:    ElevatedLauncher{Elevate: []string{"sudo", "-n", "-C", "5"}, ConfigPath: "/etc/wgbroker/office.yaml"},
			want: []string{"sudo", "-n", "-C", "5", "/opt/wgbroker", "broker", "4242", "3", "4", "-config", "/etc/wgbroker/office.yaml"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.l.argv("/opt/wgbroker", 4242); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("argv = %q, want %q", got, tt.want)
			}
		})
	}
}
