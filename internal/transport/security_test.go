package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/danmuck/edgerpc/internal/client"
	"github.com/danmuck/edgerpc/internal/rpc"
	"github.com/danmuck/edgerpc/internal/subsys/system"
	"github.com/danmuck/edgerpc/internal/testutil/testlog"
	"github.com/danmuck/edgerpc/internal/testutil/tlstest"
	"github.com/stretchr/testify/require"
)

func TestValidateClientProductionRequiresMTLS(t *testing.T) {
	testlog.Start(t)
	sec := Security{Mode: SecurityModeProduction}
	require.ErrorIs(t, sec.ValidateClient(), ErrTLSRequired)

	sec.TLS.Enabled = true
	require.ErrorIs(t, sec.ValidateClient(), ErrMTLSRequired)

	sec.TLS.Mutual = true
	sec.TLS.InsecureSkipVerify = true
	require.ErrorIs(t, sec.ValidateClient(), ErrTLSInsecureSkipNotAllow)
}

func TestValidateClientMutualRequiresCertKeyCA(t *testing.T) {
	testlog.Start(t)
	sec := Security{TLS: TLSConfig{Enabled: true, Mutual: true}}
	require.ErrorIs(t, sec.ValidateClient(), ErrTLSCAFileRequired)

	sec.TLS.CAFile = "/tmp/ca.pem"
	require.ErrorIs(t, sec.ValidateClient(), ErrTLSCertFileRequired)

	sec.TLS.CertFile = "/tmp/client.pem"
	require.ErrorIs(t, sec.ValidateClient(), ErrTLSKeyFileRequired)

	sec.TLS.KeyFile = "/tmp/client.key"
	require.NoError(t, sec.ValidateClient())
}

func TestValidateServer(t *testing.T) {
	testlog.Start(t)
	sec := Security{Mode: "Production "}
	require.ErrorIs(t, sec.ValidateServer(), ErrTLSRequired)

	sec.TLS.Enabled = true
	require.ErrorIs(t, sec.ValidateServer(), ErrMTLSRequired)

	require.ErrorIs(t, Security{Mode: "lax"}.ValidateServer(), ErrInvalidSecurityMode)
	require.ErrorIs(t, Security{TLS: TLSConfig{Mutual: true}}.ValidateServer(), ErrTLSRequired)

	tlsCfg, err := Security{}.ServerTLS()
	require.NoError(t, err)
	require.Nil(t, tlsCfg)
}

func TestServeMutualTLS(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	ca := tlstest.NewAuthority(t, dir, "edgerpc-test-ca")
	serverCert, serverKey := ca.IssueServer(t, dir, "edgerpcd", "127.0.0.1")
	clientCert, clientKey := ca.IssueClient(t, dir, "bench")

	serverSec := Security{Mode: SecurityModeProduction, TLS: TLSConfig{
		Enabled: true, Mutual: true, CertFile: serverCert, KeyFile: serverKey, CAFile: ca.CAFile(),
	}}
	ln, err := Listen("tcp", "127.0.0.1:0", serverSec)
	require.NoError(t, err)

	e, err := rpc.NewEngine(rpc.Config{MaxSessions: 2}, system.New("tls", nil))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	serveErr := make(chan error, 1)
	go func() { serveErr <- Serve(ctx, ln, e, rpc.OwnerNet, DefaultConfig()) }()

	clientSec := Security{Mode: SecurityModeProduction, TLS: TLSConfig{
		Enabled: true, Mutual: true, CertFile: clientCert, KeyFile: clientKey, CAFile: ca.CAFile(),
	}}
	tlsCfg, err := clientSec.ClientTLS(ln.Addr().String())
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1", tlsCfg.ServerName)

	dialCtx, dialCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer dialCancel()
	c, err := client.Dial(dialCtx, "tcp", ln.Addr().String(), tlsCfg)
	require.NoError(t, err)
	got, err := c.Ping(dialCtx, []byte("sealed"))
	require.NoError(t, err)
	require.Equal(t, "sealed", string(got))
	require.NoError(t, c.Close())

	// Without a client certificate the handshake is refused.
	plain, err := Security{TLS: TLSConfig{Enabled: true, CAFile: ca.CAFile()}}.ClientTLS(ln.Addr().String())
	require.NoError(t, err)
	bad, err := client.Dial(dialCtx, "tcp", ln.Addr().String(), plain)
	if err == nil {
		// TLS 1.3 reports the missing certificate on first read.
		_, err = bad.Ping(dialCtx, []byte("x"))
		_ = bad.Close()
	}
	require.Error(t, err)

	cancel()
	select {
	case err := <-serveErr:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatalf("serve did not stop")
	}
}

func TestListenUnixReplacesStaleSocket(t *testing.T) {
	testlog.Start(t)
	path := t.TempDir() + "/edgerpc.sock"
	first, err := Listen("unix", path, Security{})
	require.NoError(t, err)
	// Leave the socket file behind, as a crashed daemon would.
	first.(*net.UnixListener).SetUnlinkOnClose(false)
	require.NoError(t, first.Close())

	second, err := Listen("unix", path, Security{})
	require.NoError(t, err)
	require.NoError(t, second.Close())
}
