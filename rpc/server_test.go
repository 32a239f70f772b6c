package rpc

import (
	"bufio"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func startTestServer(t *testing.T) (*Server, string) {
	t.Helper()

	sockPath := filepath.Join(t.TempDir(), "rpc.sock")
	srv := New(sockPath, NewMetrics(), logrus.NewEntry(logrus.New()))
	srv.Register("echo", func(raw json.RawMessage) (interface{}, *Error) {
		var p map[string]string
		json.Unmarshal(raw, &p)
		return p, nil
	})
	srv.Register("boom", func(raw json.RawMessage) (interface{}, *Error) {
		return nil, errGeneric("kaboom")
	})

	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Stop() })

	return srv, sockPath
}

func dialAndCall(t *testing.T, sockPath, method string, params interface{}) Response {
	t.Helper()

	var conn net.Conn
	var err error
	require.Eventually(t, func() bool {
		conn, err = net.Dial("unix", sockPath)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
	defer conn.Close()

	rawParams, _ := json.Marshal(params)
	req := Request{JSONRPC: "2.0", ID: json.RawMessage(`1`), Method: method, Params: rawParams}
	enc, _ := json.Marshal(req)
	enc = append(enc, '\n')
	_, err = conn.Write(enc)
	require.NoError(t, err)

	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	require.True(t, sc.Scan())

	var resp Response
	require.NoError(t, json.Unmarshal(sc.Bytes(), &resp))
	return resp
}

func TestServerDispatchesRegisteredMethod(t *testing.T) {
	_, sockPath := startTestServer(t)

	resp := dialAndCall(t, sockPath, "echo", map[string]string{"hello": "world"})
	require.Nil(t, resp.Error)
	require.Equal(t, map[string]interface{}{"hello": "world"}, resp.Result)
}

func TestServerReturnsGenericErrorForUnknownMethod(t *testing.T) {
	_, sockPath := startTestServer(t)

	resp := dialAndCall(t, sockPath, "not-a-method", nil)
	require.NotNil(t, resp.Error)
	require.Equal(t, ErrCodeGeneric, resp.Error.Code)
}

func TestServerPropagatesHandlerError(t *testing.T) {
	_, sockPath := startTestServer(t)

	resp := dialAndCall(t, sockPath, "boom", nil)
	require.NotNil(t, resp.Error)
	require.Equal(t, "kaboom", resp.Error.Message)
}

func TestServerStartIsIdempotent(t *testing.T) {
	srv, _ := startTestServer(t)
	require.NoError(t, srv.Start())
}

func TestServerStopIsIdempotent(t *testing.T) {
	srv, _ := startTestServer(t)
	require.NoError(t, srv.Stop())
	require.NoError(t, srv.Stop())
}
