//go:build e2e

package e2e

import (
	"bufio"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"
)

// binary is the wsrelay executable built by TestMain.
var binary string

func TestMain(m *testing.M) {
	dir, err := os.MkdirTemp("", "wsrelay-e2e")
	if err != nil {
		fmt.Fprintln(os.Stderr, "tempdir:", err)
		os.Exit(1)
	}
	binary = filepath.Join(dir, "wsrelay")

	build := exec.Command("go", "build", "-o", binary, "./cmd/wsrelay")
	build.Dir = ".."
	if out, err := build.CombinedOutput(); err != nil {
		fmt.Fprintf(os.Stderr, "build wsrelay: %v\n%s", err, out)
		os.RemoveAll(dir)
		os.Exit(1)
	}

	code := m.Run()
	os.RemoveAll(dir)
	os.Exit(code)
}

// lineLog records complete output lines written by a child process.
type lineLog struct {
	mu      sync.Mutex
	lines   []string
	pending []byte
}

func (l *lineLog) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pending = append(l.pending, p...)
	for {
		i := strings.IndexByte(string(l.pending), '\n')
		if i < 0 {
			break
		}
		l.lines = append(l.lines, string(l.pending[:i]))
		l.pending = l.pending[i+1:]
	}
	return len(p), nil
}

// find returns the first recorded line containing substr.
func (l *lineLog) find(substr string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, line := range l.lines {
		if strings.Contains(line, substr) {
			return line, true
		}
	}
	return "", false
}

func (l *lineLog) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return strings.Join(append(l.lines, string(l.pending)), "\n")
}

// wsrelayProcess is a running "wsrelay serve".
type wsrelayProcess struct {
	cmd  *exec.Cmd
	logs *lineLog
	done chan struct{}
	err  error // valid once done is closed
}

// startWsrelay runs "wsrelay serve" with args and extra environment, and
// returns once the relay logs its listen address. The process is killed
// when the test ends.
func startWsrelay(t *testing.T, env []string, args ...string) (*wsrelayProcess, string) {
	t.Helper()
	p := &wsrelayProcess{
		cmd:  exec.Command(binary, append([]string{"serve"}, args...)...),
		logs: &lineLog{},
		done: make(chan struct{}),
	}
	p.cmd.Env = append(os.Environ(), env...)
	p.cmd.Stderr = p.logs
	if err := p.cmd.Start(); err != nil {
		t.Fatalf("start wsrelay: %v", err)
	}
	go func() {
		p.err = p.cmd.Wait()
		close(p.done)
	}()

	t.Cleanup(func() {
		_ = p.cmd.Process.Kill()
		<-p.done
		if t.Failed() {
			t.Logf("wsrelay output:\n%s", p.logs)
		}
	})

	return p, waitForLogAddr(t, p, "relay listening", 15*time.Second)
}

// interrupt sends SIGTERM and returns the process exit error.
func (p *wsrelayProcess) interrupt(t *testing.T, timeout time.Duration) error {
	t.Helper()
	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		t.Fatalf("signal: %v", err)
	}
	select {
	case <-p.done:
		return p.err
	case <-time.After(timeout):
		t.Fatalf("wsrelay still running %v after SIGTERM", timeout)
		return nil
	}
}

// runWsrelay runs wsrelay to completion and returns its combined output.
func runWsrelay(t *testing.T, timeout time.Duration, args ...string) (string, error) {
	t.Helper()
	cmd := exec.Command(binary, args...)
	timer := time.AfterFunc(timeout, func() { _ = cmd.Process.Kill() })
	defer timer.Stop()
	out, err := cmd.CombinedOutput()
	return string(out), err
}

// waitForLog polls the process output for a line containing substr.
func waitForLog(t *testing.T, p *wsrelayProcess, substr string, timeout time.Duration) string {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		if line, ok := p.logs.find(substr); ok {
			return line
		}
		if time.Now().After(deadline) {
			t.Fatalf("no log line containing %q within %v", substr, timeout)
		}
		select {
		case <-p.done:
			t.Fatalf("wsrelay exited before logging %q: %v", substr, p.err)
		case <-time.After(20 * time.Millisecond):
		}
	}
}

var addrRe = regexp.MustCompile(`\baddr=(\S+)`)

// waitForLogAddr waits for a log line containing substr and returns its
// addr= value.
func waitForLogAddr(t *testing.T, p *wsrelayProcess, substr string, timeout time.Duration) string {
	t.Helper()
	line := waitForLog(t, p, substr, timeout)
	m := addrRe.FindStringSubmatch(line)
	if m == nil {
		t.Fatalf("log line has no addr: %s", line)
	}
	return m[1]
}

// scrapeMetrics returns the Prometheus text exposition served at addr.
func scrapeMetrics(t *testing.T, addr string) string {
	t.Helper()
	resp, err := http.Get("http://" + addr + "/metrics")
	if err != nil {
		t.Fatalf("scrape %s: %v", addr, err)
	}
	defer resp.Body.Close()
	var b strings.Builder
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		b.WriteString(sc.Text())
		b.WriteByte('\n')
	}
	return b.String()
}

// assertMetricEQ checks the sum over all label sets of metric name.
func assertMetricEQ(t *testing.T, text, name string, want float64) {
	t.Helper()
	var total float64
	for _, line := range strings.Split(text, "\n") {
		if line == "" || line[0] == '#' {
			continue
		}
		sp := strings.LastIndexByte(line, ' ')
		if sp < 0 {
			continue
		}
		series, value := line[:sp], line[sp+1:]
		if i := strings.IndexByte(series, '{'); i >= 0 {
			series = series[:i]
		}
		if series != name {
			continue
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			t.Fatalf("parse %q: %v", line, err)
		}
		total += v
	}
	if total != want {
		t.Errorf("%s = %v, want %v", name, total, want)
	}
}
