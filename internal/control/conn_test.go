package control

import (
	"bufio"
	"net"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/cmastudios/mcmdd/internal/config"
	"github.com/cmastudios/mcmdd/internal/registry"
	"github.com/cmastudios/mcmdd/internal/session"
)

func startTestServer(t *testing.T) (addr string, reg *registry.Registry, cfg *config.Config) {
	t.Helper()

	raw := "servers = alpha\nauth = secretkey\n"
	var err error
	cfg, err = config.Load(strings.NewReader(raw))
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}

	s := session.New("alpha", ".", []string{"sh", "-c", "sleep 5"}, 0, zap.NewNop())
	reg = registry.New([]*session.Session{s})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}

	srv := &Server{cfg: cfg, reg: reg, log: zap.NewNop(), ln: ln}
	go srv.acceptLoop()
	t.Cleanup(func() { ln.Close() })

	return ln.Addr().String(), reg, cfg
}

func dial(t *testing.T, addr string) (net.Conn, *bufio.Reader) {
	t.Helper()
	nc, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	return nc, bufio.NewReader(nc)
}

func expectLine(t *testing.T, r *bufio.Reader, want string) {
	t.Helper()
	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("ReadString: %v", err)
	}
	if line != want {
		t.Fatalf("got %q, want %q", line, want)
	}
}

func TestControlAuthFlow(t *testing.T) {
	addr, _, _ := startTestServer(t)
	nc, r := dial(t, addr)
	defer nc.Close()

	expectLine(t, r, AppName)

	nc.Write([]byte("SERVER alpha\n"))
	expectLine(t, r, needKey)

	nc.Write([]byte("KEY wrongkey\n"))
	expectLine(t, r, badKey)

	nc.Write([]byte("KEY secretkey\n"))
	expectLine(t, r, okKey)
}

func TestControlStatusRequiresAuth(t *testing.T) {
	addr, _, _ := startTestServer(t)
	nc, r := dial(t, addr)
	defer nc.Close()

	expectLine(t, r, AppName)
	nc.Write([]byte("STATUS\n"))
	expectLine(t, r, badKey)
}

func TestControlKeyFirstThenStatus(t *testing.T) {
	addr, _, _ := startTestServer(t)
	nc, r := dial(t, addr)
	defer nc.Close()

	expectLine(t, r, AppName)

	// KEY before SERVER: the server id is still unset, so the response
	// names the missing half regardless of whether the key is valid.
	nc.Write([]byte("KEY secretkey\n"))
	expectLine(t, r, needServer)

	nc.Write([]byte("SERVER alpha\n"))
	expectLine(t, r, okKey)

	nc.Write([]byte("STATUS\n"))
	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("ReadString: %v", err)
	}
	if !strings.HasPrefix(line, "OK Stats 0 ") {
		t.Fatalf("STATUS response = %q, want prefix %q", line, "OK Stats 0 ")
	}
}

func TestControlInvalidCommand(t *testing.T) {
	addr, _, _ := startTestServer(t)
	nc, r := dial(t, addr)
	defer nc.Close()

	expectLine(t, r, AppName)
	nc.Write([]byte("BOGUS\n"))
	expectLine(t, r, invalidCmd)
}

// TestControlUnknownServerDoesNotLeak verifies an id that was never
// configured gets the identical "OK Need key." response as a real id with
// no key yet, so a client can't distinguish "unknown" from "no key".
func TestControlUnknownServerDoesNotLeak(t *testing.T) {
	addr, _, _ := startTestServer(t)
	nc, r := dial(t, addr)
	defer nc.Close()

	expectLine(t, r, AppName)
	nc.Write([]byte("SERVER zzz\n"))
	expectLine(t, r, needKey)
}

func TestControlLogResumeHint(t *testing.T) {
	addr, reg, _ := startTestServer(t)
	nc, r := dial(t, addr)
	defer nc.Close()

	s := reg.Get("alpha")
	s.Log.Append("a")
	s.Log.Append("b")
	s.Log.Append("c")
	s.Log.Append("d")

	expectLine(t, r, AppName)
	nc.Write([]byte("KEY secretkey\n"))
	expectLine(t, r, needServer)
	nc.Write([]byte("SERVER alpha\n"))
	expectLine(t, r, okKey)

	nc.Write([]byte("LOG\n"))
	expectLine(t, r, logStart)
	expectLine(t, r, "a\n")
	expectLine(t, r, "b\n")
	expectLine(t, r, "c\n")
	expectLine(t, r, "d\n")
	expectLine(t, r, logEnd)

	nc.Write([]byte("LOG b\n"))
	expectLine(t, r, logStart)
	expectLine(t, r, "c\n")
	expectLine(t, r, "d\n")
	expectLine(t, r, logEnd)
}
