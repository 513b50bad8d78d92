package podman

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"slices"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/joshrwolf/rasterize/internal/runtime"
	"github.com/joshrwolf/rasterize/internal/storage"
)

// recorder captures invocations and answers them by re-executing the test
// binary as TestHelperProcess
type recorder struct {
	invocations [][]string
	exitCode    int
	stdout      string
	stderr      string
	signal      bool
	interrupt   bool
}

func (r *recorder) command(ctx context.Context, name string, args ...string) *exec.Cmd {
	r.invocations = append(r.invocations, append([]string{name}, args...))

	cs := append([]string{"-test.run=TestHelperProcess", "--", name}, args...)
	cmd := exec.CommandContext(ctx, os.Args[0], cs...)
	cmd.Env = []string{
		"GO_WANT_HELPER_PROCESS=1",
		fmt.Sprintf("GO_HELPER_EXIT_CODE=%d", r.exitCode),
		"GO_HELPER_STDOUT=" + r.stdout,
		"GO_HELPER_STDERR=" + r.stderr,
	}
	if r.signal {
		cmd.Env = append(cmd.Env, "GO_HELPER_SIGNAL=1")
	}
	if r.interrupt {
		cmd.Env = append(cmd.Env, "GO_HELPER_WAIT_INTERRUPT=1")
	}
	return cmd
}

func (r *recorder) lastArgs(t *testing.T) []string {
	t.Helper()
	if len(r.invocations) == 0 {
		t.Fatal("no commands were invoked")
	}
	return r.invocations[len(r.invocations)-1][1:]
}

func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	fmt.Fprint(os.Stdout, os.Getenv("GO_HELPER_STDOUT"))
	fmt.Fprint(os.Stderr, os.Getenv("GO_HELPER_STDERR"))
	if os.Getenv("GO_HELPER_SIGNAL") == "1" {
		_ = syscall.Kill(os.Getpid(), syscall.SIGKILL)
		select {}
	}
	if os.Getenv("GO_HELPER_WAIT_INTERRUPT") == "1" {
		c := make(chan os.Signal, 1)
		signal.Notify(c, os.Interrupt)
		fmt.Fprintln(os.Stdout, "ready")
		<-c
		os.Exit(130)
	}
	code, _ := strconv.Atoi(os.Getenv("GO_HELPER_EXIT_CODE"))
	os.Exit(code)
}

func newTestEngine(r *recorder) *Podman {
	return New("/usr/bin/podman", WithExecCommand(r.command), WithProgress(&bytes.Buffer{}))
}

func TestInfo(t *testing.T) {
	r := &recorder{stdout: "/var/lib/containers/storage\n"}
	p := newTestEngine(r)

	out, err := p.Info(context.Background(), "{{.Store.GraphRoot}}", storage.Default())
	if err != nil {
		t.Fatalf("Info() error = %v", err)
	}
	if string(out) != "/var/lib/containers/storage\n" {
		t.Errorf("Info() = %q", out)
	}

	want := []string{"info", "--format", "{{.Store.GraphRoot}}"}
	if got := r.lastArgs(t); !slices.Equal(got, want) {
		t.Errorf("args = %q, want %q", got, want)
	}
	if r.invocations[0][0] != "/usr/bin/podman" {
		t.Errorf("binary = %q, want /usr/bin/podman", r.invocations[0][0])
	}
}

func TestInfoFailure(t *testing.T) {
	r := &recorder{exitCode: 125, stderr: "storage is corrupt"}
	p := newTestEngine(r)

	_, err := p.Info(context.Background(), "{{.Store.GraphRoot}}", storage.Default())
	var ee *runtime.EngineError
	if !errors.As(err, &ee) {
		t.Fatalf("Info() error = %v, want *runtime.EngineError", err)
	}
	if ee.ExitCode != 125 || !strings.Contains(ee.Stderr, "storage is corrupt") {
		t.Errorf("EngineError = %+v", ee)
	}
}

func TestImageExists(t *testing.T) {
	tests := []struct {
		name     string
		exitCode int
		want     bool
		wantErr  bool
	}{
		{name: "present", exitCode: 0, want: true},
		{name: "absent", exitCode: 1, want: false},
		{name: "engine failure", exitCode: 125, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &recorder{exitCode: tt.exitCode}
			p := newTestEngine(r)

			got, err := p.ImageExists(context.Background(), "library/app:1.0", storage.ReadOnly("/srv/parallax"))
			if (err != nil) != tt.wantErr {
				t.Fatalf("ImageExists() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ImageExists() = %v, want %v", got, tt.want)
			}

			want := []string{"--root", "/srv/parallax", "image", "exists", "library/app:1.0"}
			if args := r.lastArgs(t); !slices.Equal(args, want) {
				t.Errorf("args = %q, want %q", args, want)
			}
		})
	}
}

func TestPull(t *testing.T) {
	r := &recorder{}
	p := newTestEngine(r)

	if err := p.Pull(context.Background(), "library/app:1.0", storage.Default()); err != nil {
		t.Fatalf("Pull() error = %v", err)
	}
	if args := r.lastArgs(t); !slices.Equal(args, []string{"pull", "library/app:1.0"}) {
		t.Errorf("args = %q", args)
	}

	r.exitCode = 125
	r.stderr = "manifest unknown"
	err := p.Pull(context.Background(), "library/missing:1.0", storage.Default())
	var ee *runtime.EngineError
	if !errors.As(err, &ee) {
		t.Fatalf("Pull() error = %v, want *runtime.EngineError", err)
	}
	if ee.Op != "pull" || ee.Image != "library/missing:1.0" {
		t.Errorf("EngineError = %+v", ee)
	}
	if !strings.Contains(err.Error(), "manifest unknown") {
		t.Errorf("error %q missing stderr", err)
	}
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		stdout  string
		want    string
		wantErr bool
	}{
		{
			name:   "single image",
			stdout: "Getting image source signatures\nLoaded image: localhost/app:latest\n",
			want:   "localhost/app:latest",
		},
		{
			name:   "multiple images",
			stdout: "Loaded image(s): localhost/app:latest,localhost/app:v1\n",
			want:   "localhost/app:latest",
		},
		{
			name:    "unparseable",
			stdout:  "something else\n",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &recorder{stdout: tt.stdout}
			p := newTestEngine(r)

			got, err := p.Load(context.Background(), "/tmp/image.tar", storage.Default())
			if (err != nil) != tt.wantErr {
				t.Fatalf("Load() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("Load() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestImages(t *testing.T) {
	r := &recorder{stdout: "REPOSITORY TAG\nlibrary/app 1.0\n"}
	p := newTestEngine(r)

	var out bytes.Buffer
	sc := storage.Migrate("/var/lib/containers/storage", "/srv/parallax")
	if err := p.Images(context.Background(), sc, &out); err != nil {
		t.Fatalf("Images() error = %v", err)
	}
	if !strings.Contains(out.String(), "library/app 1.0") {
		t.Errorf("Images() output = %q", out.String())
	}
	want := append(sc.Args(), "images")
	if args := r.lastArgs(t); !slices.Equal(args, want) {
		t.Errorf("args = %q, want %q", args, want)
	}
}

func TestRunExitCodePassthrough(t *testing.T) {
	for _, code := range []int{0, 1, 127} {
		t.Run(strconv.Itoa(code), func(t *testing.T) {
			r := &recorder{exitCode: code}
			p := newTestEngine(r)

			var stdout bytes.Buffer
			got, err := p.Run(context.Background(), runtime.RunOptions{
				Image:   "library/app:1.0",
				Storage: storage.Run("/scratch", "/usr/bin/mount-helper", "/srv/parallax"),
				Stdout:  &stdout,
				Stderr:  &bytes.Buffer{},
			})
			if err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			if got != code {
				t.Errorf("Run() = %d, want %d", got, code)
			}
		})
	}
}

func TestRunSignaled(t *testing.T) {
	r := &recorder{signal: true}
	p := newTestEngine(r)

	code, err := p.Run(context.Background(), runtime.RunOptions{
		Image:   "library/app:1.0",
		Storage: storage.Run("/scratch", "/usr/bin/mount-helper", "/srv/parallax"),
		Stdout:  &bytes.Buffer{},
		Stderr:  &bytes.Buffer{},
	})
	var se *runtime.SignalError
	if !errors.As(err, &se) {
		t.Fatalf("Run() = %d, %v, want *runtime.SignalError", code, err)
	}
	if se.Signal != syscall.SIGKILL {
		t.Errorf("Signal = %v, want SIGKILL", se.Signal)
	}
	if !strings.Contains(se.Error(), "SIGKILL") {
		t.Errorf("Error() = %q, want signal name", se.Error())
	}
}

func TestRunMissingBinary(t *testing.T) {
	p := New("/nonexistent/podman")
	_, err := p.Run(context.Background(), runtime.RunOptions{
		Image:  "library/app:1.0",
		Stdout: &bytes.Buffer{},
		Stderr: &bytes.Buffer{},
	})
	var ee *runtime.EngineError
	if !errors.As(err, &ee) {
		t.Fatalf("Run() error = %v, want *runtime.EngineError", err)
	}
}

func TestBuildRunArgs(t *testing.T) {
	p := New("")

	tests := []struct {
		name string
		opts runtime.RunOptions
		want []string
	}{
		{
			name: "image default command",
			opts: runtime.RunOptions{Image: "alpine"},
			want: []string{"run", "--rm", "alpine"},
		},
		{
			name: "launch spec",
			opts: runtime.RunOptions{
				Image:   "library/app:1.0",
				Command: []string{"echo", "hello world"},
				Container: runtime.LaunchSpec{
					Name:        "rasterize",
					Interactive: true,
					Detach:      true,
					InheritEnv:  true,
					PidFile:     "/run/app.pid",
				},
				Stdin: strings.NewReader(""),
			},
			want: []string{
				"run", "--rm", "--name", "rasterize", "-i", "-d", "--env-host",
				"--pidfile", "/run/app.pid", "library/app:1.0", "echo", "hello world",
			},
		},
		{
			name: "container defaults",
			opts: runtime.RunOptions{
				Image:      "alpine",
				WorkDir:    "/work",
				Env:        map[string]string{"B": "2", "A": "1"},
				Mounts:     []string{"/data:/data:ro"},
				Entrypoint: []string{"/bin/sh", "-c"},
			},
			want: []string{
				"run", "--rm", "-w", "/work", "-e", "A=1", "-e", "B=2",
				"-v", "/data:/data:ro", "--entrypoint", `["/bin/sh","-c"]`, "alpine",
			},
		},
		{
			name: "entrypoint needing escapes",
			opts: runtime.RunOptions{
				Image:      "alpine",
				Entrypoint: []string{"/bin/echo", `say "hi"`, "a\tb"},
			},
			want: []string{
				"run", "--rm", "--entrypoint", `["/bin/echo","say \"hi\"","a\tb"]`, "alpine",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := p.buildRunArgs(tt.opts)
			if err != nil {
				t.Fatalf("buildRunArgs() error = %v", err)
			}
			if !slices.Equal(got, tt.want) {
				t.Errorf("buildRunArgs() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRunUsesRunContext(t *testing.T) {
	r := &recorder{}
	p := newTestEngine(r)

	sc := storage.Run("/scratch", "/usr/bin/mount-helper", "/srv/parallax")
	if _, err := p.Run(context.Background(), runtime.RunOptions{
		Image:   "alpine",
		Storage: sc,
		Stdout:  &bytes.Buffer{},
		Stderr:  &bytes.Buffer{},
	}); err != nil {
		t.Fatal(err)
	}

	args := r.lastArgs(t)
	if !slices.Equal(args[:len(sc.Args())], sc.Args()) {
		t.Errorf("args = %q, want prefix %q", args, sc.Args())
	}
}

// cancelOnReady cancels once the container reports it is ready for signals
type cancelOnReady struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	once   sync.Once
	cancel context.CancelFunc
}

func (w *cancelOnReady) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	n, err := w.buf.Write(p)
	if strings.Contains(w.buf.String(), "ready") {
		w.once.Do(w.cancel)
	}
	return n, err
}

func TestRunCancelInterrupts(t *testing.T) {
	r := &recorder{interrupt: true}
	p := New("/usr/bin/podman",
		WithExecCommand(r.command),
		WithProgress(&bytes.Buffer{}),
		WithStopTimeout(5*time.Second),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	code, err := p.Run(ctx, runtime.RunOptions{
		Image:   "library/app:1.0",
		Storage: storage.Run("/scratch", "/usr/bin/mount-helper", "/srv/parallax"),
		Stdout:  &cancelOnReady{cancel: cancel},
		Stderr:  &bytes.Buffer{},
	})
	if err != nil {
		// SIGKILL here means the run was killed rather than interrupted
		t.Fatalf("Run() error = %v", err)
	}
	if code != 130 {
		t.Errorf("Run() = %d, want 130 from the interrupt handler", code)
	}
}
