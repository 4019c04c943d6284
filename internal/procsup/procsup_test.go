package procsup

import (
	"bufio"
	"io"
	"testing"
	"time"
)

func TestSpawn_stdoutPipe(t *testing.T) {
	p, err := Spawn(Spec{
		Name:   "echo",
		Path:   "/bin/sh",
		Args:   []string{"-c", "echo hello"},
		Stdout: Stdio{Mode: StdioPipe},
	})
	if err != nil {
		t.Fatal(err)
	}
	data, err := io.ReadAll(p.Stdout)
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if got := string(data); got != "hello\n" {
		t.Errorf("stdout = %q, want %q", got, "hello\n")
	}
}

func TestSpawn_pipelineStdoutToStdin(t *testing.T) {
	// capture's stdout pipe is wired directly as encode's stdin via StdioFD,
	// the same pattern internal/pipeline uses to chain capture to encode.
	capture, err := Spawn(Spec{
		Name:   "capture",
		Path:   "/bin/sh",
		Args:   []string{"-c", "printf ABC"},
		Stdout: Stdio{Mode: StdioPipe},
	})
	if err != nil {
		t.Fatal(err)
	}
	encode, err := Spawn(Spec{
		Name:   "encode",
		Path:   "/bin/cat",
		Stdin:  Stdio{Mode: StdioFD, FD: capture.Stdout},
		Stdout: Stdio{Mode: StdioPipe},
	})
	if err != nil {
		t.Fatal(err)
	}
	capture.Stdout.Close()

	out, err := io.ReadAll(encode.Stdout)
	if err != nil {
		t.Fatal(err)
	}
	if err := capture.Wait(); err != nil {
		t.Fatalf("capture.Wait: %v", err)
	}
	if err := encode.Wait(); err != nil {
		t.Fatalf("encode.Wait: %v", err)
	}
	if string(out) != "ABC" {
		t.Errorf("relayed output = %q, want %q", out, "ABC")
	}
}

func TestTerminate_gracefulExit(t *testing.T) {
	// A process that exits promptly on SIGTERM should not hit the kill path.
	p, err := Spawn(Spec{
		Name:   "trap",
		Path:   "/bin/sh",
		Args:   []string{"-c", "trap 'exit 0' TERM; echo ready; sleep 30 & wait"},
		Stdout: Stdio{Mode: StdioPipe},
	})
	if err != nil {
		t.Fatal(err)
	}
	// Wait until the shell has installed its trap: a SIGTERM delivered
	// before that point would kill it by signal instead of a clean exit.
	if _, err := bufio.NewReader(p.Stdout).ReadString('\n'); err != nil {
		t.Fatalf("waiting for trap: %v", err)
	}
	start := time.Now()
	if err := p.Terminate(2 * time.Second); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	if elapsed := time.Since(start); elapsed >= 2*time.Second {
		t.Errorf("Terminate took %s, expected a fast graceful exit well under the grace period", elapsed)
	}
}

func TestTerminate_forcesKillAfterGrace(t *testing.T) {
	// A process that ignores SIGTERM must still be reaped via SIGKILL.
	p, err := Spawn(Spec{
		Name:   "ignore-term",
		Path:   "/bin/sh",
		Args:   []string{"-c", "trap '' TERM; echo ready; exec sleep 30"},
		Stdout: Stdio{Mode: StdioPipe},
	})
	if err != nil {
		t.Fatal(err)
	}
	// Wait until the shell has installed its trap: a SIGTERM delivered
	// before that point would kill it outright.
	if _, err := bufio.NewReader(p.Stdout).ReadString('\n'); err != nil {
		t.Fatalf("waiting for trap: %v", err)
	}
	start := time.Now()
	if err := p.Terminate(200 * time.Millisecond); err == nil {
		t.Fatal("expected a non-nil exit error for a SIGKILLed process")
	}
	if elapsed := time.Since(start); elapsed < 200*time.Millisecond {
		t.Errorf("Terminate returned in %s, before the grace period elapsed", elapsed)
	}
	select {
	case <-p.Done():
	default:
		t.Error("process should be reaped (Done closed) after Terminate returns")
	}
}

func TestTerminate_alreadyExitedIsNoop(t *testing.T) {
	p, err := Spawn(Spec{Name: "noop", Path: "/bin/true"})
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if err := p.Terminate(time.Second); err != nil {
		t.Errorf("Terminate on an exited process should return the memoized exit result (nil here): %v", err)
	}
}

func TestWait_memoizedAcrossCallers(t *testing.T) {
	p, err := Spawn(Spec{Name: "exit1", Path: "/bin/sh", Args: []string{"-c", "exit 1"}})
	if err != nil {
		t.Fatal(err)
	}
	err1 := p.Wait()
	err2 := p.Wait()
	if err1 == nil || err2 == nil {
		t.Fatal("expected a non-nil exit error from exit 1")
	}
	if err1.Error() != err2.Error() {
		t.Errorf("Wait should be memoized: %v != %v", err1, err2)
	}
}

func TestPoll_aliveThenExited(t *testing.T) {
	p, err := Spawn(Spec{
		Name: "sleep-briefly",
		Path: "/bin/sh",
		Args: []string{"-c", "sleep 0.2; exit 3"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if st := p.Poll(); st.State != Alive {
		t.Fatalf("Poll immediately after spawn = %v, want Alive", st.State)
	}
	p.Wait()
	st := p.Poll()
	if st.State != Exited {
		t.Fatalf("Poll after exit = %v, want Exited", st.State)
	}
	if st.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", st.ExitCode)
	}
}

func TestStderrPipe_lineRelay(t *testing.T) {
	p, err := Spawn(Spec{
		Name:   "warn",
		Path:   "/bin/sh",
		Args:   []string{"-c", "echo one 1>&2; echo two 1>&2"},
		Stderr: Stdio{Mode: StdioPipe},
	})
	if err != nil {
		t.Fatal(err)
	}
	sc := bufio.NewScanner(p.Stderr)
	var lines []string
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if err := p.Wait(); err != nil {
		t.Fatal(err)
	}
	if len(lines) != 2 || lines[0] != "one" || lines[1] != "two" {
		t.Fatalf("stderr lines = %v", lines)
	}
}
