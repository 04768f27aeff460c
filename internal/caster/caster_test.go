package caster

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// startTestCaster binds an OS-assigned port, starts the caster in a
// goroutine, and returns its address and a cancel func for shutdown.
func startTestCaster(t *testing.T, opts Options) (net.Addr, context.CancelFunc, *Caster) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	c := New(opts)
	ctx, cancel := context.WithCancel(context.Background())
	go c.Run(ctx, ln)
	t.Cleanup(func() {
		cancel()
		ln.Close()
	})
	return ln.Addr(), cancel, c
}

func dial(t *testing.T, addr net.Addr) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr.String(), time.Second)
	require.NoError(t, err)
	return conn
}

func readLine(t *testing.T, conn net.Conn) string {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	return line
}

func waitForCounts(t *testing.T, c *Caster, wantPending, wantClient, wantSource int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		p, cl, s := c.Counts()
		if p == wantPending && cl == wantClient && s == wantSource {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	p, cl, s := c.Counts()
	t.Fatalf("counts never reached (%d,%d,%d), got (%d,%d,%d)", wantPending, wantClient, wantSource, p, cl, s)
}

// Basic relay: a SOURCE's bytes reach a CLIENT on the same mountpoint.
func TestEndToEnd_BasicRelay(t *testing.T) {
	addr, _, _ := startTestCaster(t, Options{})

	src := dial(t, addr)
	defer src.Close()
	_, err := src.Write([]byte("SOURCE pw MNT\r\nSource-Agent: src/1.0\r\n\r\n"))
	require.NoError(t, err)
	require.Equal(t, "ICY 200 OK\r\n", readLine(t, src))

	cl := dial(t, addr)
	defer cl.Close()
	_, err = cl.Write([]byte("GET /MNT HTTP/1.1\r\nUser-Agent: c/1.0\r\n\r\n"))
	require.NoError(t, err)
	require.Equal(t, "ICY 200 OK\r\n", readLine(t, cl))

	_, err = src.Write([]byte("HELLO"))
	require.NoError(t, err)

	buf := make([]byte, 5)
	cl.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = readFull(cl, buf)
	require.NoError(t, err)
	require.Equal(t, "HELLO", string(buf))
}

// Fan-out reaches every client on the source's mountpoint, and no others.
func TestEndToEnd_FanOut(t *testing.T) {
	addr, _, _ := startTestCaster(t, Options{})

	src := dial(t, addr)
	defer src.Close()
	src.Write([]byte("SOURCE pw MNT\r\nSource-Agent: src/1.0\r\n\r\n"))
	readLine(t, src)

	var mntClients []net.Conn
	for i := 0; i < 3; i++ {
		cl := dial(t, addr)
		defer cl.Close()
		cl.Write([]byte("GET /MNT HTTP/1.1\r\nUser-Agent: c/1.0\r\n\r\n"))
		readLine(t, cl)
		mntClients = append(mntClients, cl)
	}

	other := dial(t, addr)
	defer other.Close()
	other.Write([]byte("GET /OTHER HTTP/1.1\r\nUser-Agent: c/1.0\r\n\r\n"))
	readLine(t, other)

	src.Write([]byte("ABC"))

	for _, cl := range mntClients {
		buf := make([]byte, 3)
		cl.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, err := readFull(cl, buf)
		require.NoError(t, err)
		require.Equal(t, "ABC", string(buf))
	}

	other.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	buf := make([]byte, 1)
	_, err := other.Read(buf)
	require.Error(t, err) // timeout: nothing delivered
}

// Mountpoint matching between a source and its clients is case-insensitive.
func TestEndToEnd_CaseInsensitiveMatch(t *testing.T) {
	addr, _, _ := startTestCaster(t, Options{})

	src := dial(t, addr)
	defer src.Close()
	src.Write([]byte("SOURCE pw RtcmA\r\nSource-Agent: src/1.0\r\n\r\n"))
	readLine(t, src)

	cl := dial(t, addr)
	defer cl.Close()
	cl.Write([]byte("GET /RTCMA HTTP/1.1\r\nUser-Agent: c/1.0\r\n\r\n"))
	readLine(t, cl)

	src.Write([]byte("XY"))
	buf := make([]byte, 2)
	cl.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := readFull(cl, buf)
	require.NoError(t, err)
	require.Equal(t, "XY", string(buf))
}

// A second source for an already-claimed mountpoint is rejected; the first keeps relaying.
func TestEndToEnd_DuplicateSourceRejected(t *testing.T) {
	addr, _, c := startTestCaster(t, Options{})

	s1 := dial(t, addr)
	defer s1.Close()
	s1.Write([]byte("SOURCE pw MNT\r\nSource-Agent: s1/1.0\r\n\r\n"))
	require.Equal(t, "ICY 200 OK\r\n", readLine(t, s1))

	s2 := dial(t, addr)
	defer s2.Close()
	s2.Write([]byte("SOURCE pw MNT\r\nSource-Agent: s2/1.0\r\n\r\n"))
	require.Equal(t, "ERROR - Bad Mountpoint\r\n", readLine(t, s2))

	buf := make([]byte, 1)
	s2.SetReadDeadline(time.Now().Add(time.Second))
	_, err := s2.Read(buf)
	require.Error(t, err) // closed

	_, _, sourceCount := c.Counts()
	require.Equal(t, 1, sourceCount)

	// s1 still works.
	cl := dial(t, addr)
	defer cl.Close()
	cl.Write([]byte("GET /MNT HTTP/1.1\r\nUser-Agent: c/1.0\r\n\r\n"))
	readLine(t, cl)
	s1.Write([]byte("Z"))
	out := make([]byte, 1)
	cl.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = readFull(cl, out)
	require.NoError(t, err)
	require.Equal(t, "Z", string(out))
}

// A client beyond the configured cap is rejected with 403.
func TestEndToEnd_ClientCapOverflow(t *testing.T) {
	addr, _, _ := startTestCaster(t, Options{Limits: Limits{MaxPending: 20, MaxClient: 2, MaxSource: 20}})

	src := dial(t, addr)
	defer src.Close()
	src.Write([]byte("SOURCE pw MNT\r\nSource-Agent: src/1.0\r\n\r\n"))
	readLine(t, src)

	c1 := dial(t, addr)
	defer c1.Close()
	c1.Write([]byte("GET /MNT HTTP/1.1\r\nUser-Agent: c/1.0\r\n\r\n"))
	require.Equal(t, "ICY 200 OK\r\n", readLine(t, c1))

	c2 := dial(t, addr)
	defer c2.Close()
	c2.Write([]byte("GET /MNT HTTP/1.1\r\nUser-Agent: c/1.0\r\n\r\n"))
	require.Equal(t, "ICY 200 OK\r\n", readLine(t, c2))

	c3 := dial(t, addr)
	defer c3.Close()
	c3.Write([]byte("GET /MNT HTTP/1.1\r\nUser-Agent: c/1.0\r\n\r\n"))
	require.Equal(t, "HTTP/1.0 403 Forbidden\r\n", readLine(t, c3))
}

// An idle agent past the configured timeout is closed by the sweeper.
func TestEndToEnd_IdleReap(t *testing.T) {
	addr, _, c := startTestCaster(t, Options{
		IdleTimeout:       100 * time.Millisecond,
		SweepInterval:     50 * time.Millisecond,
		SweepInitialDelay: 10 * time.Millisecond,
	})

	cl := dial(t, addr)
	defer cl.Close()
	cl.Write([]byte("GET /MNT HTTP/1.1\r\nUser-Agent: c/1.0\r\n\r\n"))
	require.Equal(t, "ICY 200 OK\r\n", readLine(t, cl))

	waitForCounts(t, c, 0, 0, 0)

	buf := make([]byte, 1)
	cl.SetReadDeadline(time.Now().Add(time.Second))
	_, err := cl.Read(buf)
	require.Error(t, err)
}

// A PENDING buffer that fills without ever reaching a decision is closed, with no reply.
func TestEndToEnd_PendingBufferOverflowCloses(t *testing.T) {
	addr, _, _ := startTestCaster(t, Options{})

	conn := dial(t, addr)
	defer conn.Close()

	garbage := make([]byte, maxParseBuf+64)
	for i := range garbage {
		garbage[i] = 'x'
	}
	conn.Write(garbage)

	buf := make([]byte, 1)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := conn.Read(buf)
	require.Error(t, err) // closed, no reply
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
