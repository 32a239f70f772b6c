package rpc

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Adapter is implemented by core and covers every RPC command of spec
// §4.9. Handlers in this file do nothing but decode params, call the
// matching Adapter method, and shape the result/error.
type Adapter interface {
	ListPeers(id string, level string) (interface{}, error)
	Close(id string, force bool, timeoutSeconds int) (*CloseResult, error)
	Disconnect(id string, force bool) error
	SetChannelFee(id string, baseMsat uint32, ppm uint32) (interface{}, error)
	GetInfo() (interface{}, error)

	DevSignLastTx(id string) (interface{}, error)
	DevFail(id string) error
	DevReenableCommit(id string) error
	DevForgetChannel(id string, force bool) error
	DevMemLeak() (interface{}, error)
}

// devCommandsEnabled gates the dev-* command surface. It is a runtime
// switch, not a build tag: every build contains the dev-* handlers.
var devCommandsEnabled = false

// EnableDevCommands turns on the developer command surface. Called from
// main when the --dev-rpc option is set.
func EnableDevCommands() { devCommandsEnabled = true }

// RegisterAll wires every spec §4.9 command onto srv, dispatching to
// adapter.
func RegisterAll(srv *Server, adapter Adapter) {
	srv.Register("listpeers", handleListPeers(adapter))
	srv.Register("close", handleClose(adapter))
	srv.Register("disconnect", handleDisconnect(adapter))
	srv.Register("setchannelfee", handleSetChannelFee(adapter))
	srv.Register("getinfo", handleGetInfo(adapter))

	srv.Register("dev-sign-last-tx", handleDevSignLastTx(adapter))
	srv.Register("dev-fail", handleDevFail(adapter))
	srv.Register("dev-reenable-commit", handleDevReenableCommit(adapter))
	srv.Register("dev-forget-channel", handleDevForgetChannel(adapter))
	srv.Register("dev-memleak", handleDevMemLeak(adapter))
}

func devGuard() *Error {
	if !devCommandsEnabled {
		return errGeneric("developer commands are disabled in this build")
	}
	return nil
}

type listPeersParams struct {
	ID    string `json:"id"`
	Level string `json:"level"`
}

func handleListPeers(a Adapter) Handler {
	return func(raw json.RawMessage) (interface{}, *Error) {
		var p listPeersParams
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &p); err != nil {
				return nil, errInvalidParams(err.Error())
			}
		}
		result, err := a.ListPeers(p.ID, p.Level)
		if err != nil {
			return nil, errGeneric(err.Error())
		}
		return result, nil
	}
}

type closeParams struct {
	ID      string `json:"id"`
	Force   bool   `json:"force"`
	Timeout int    `json:"timeout"`
}

func handleClose(a Adapter) Handler {
	return func(raw json.RawMessage) (interface{}, *Error) {
		p := closeParams{Timeout: 30}
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, errInvalidParams(err.Error())
		}
		if p.ID == "" {
			return nil, errInvalidParams("missing id")
		}

		result, err := a.Close(p.ID, p.Force, p.Timeout)
		if err != nil {
			return nil, errGeneric(err.Error())
		}
		if result == nil {
			return nil, nil
		}
		return result, nil
	}
}

type disconnectParams struct {
	ID    string `json:"id"`
	Force bool   `json:"force"`
}

func handleDisconnect(a Adapter) Handler {
	return func(raw json.RawMessage) (interface{}, *Error) {
		var p disconnectParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, errInvalidParams(err.Error())
		}
		if p.ID == "" {
			return nil, errInvalidParams("missing id")
		}
		if err := a.Disconnect(p.ID, p.Force); err != nil {
			return nil, errGeneric(err.Error())
		}
		return nil, nil
	}
}

type setChannelFeeParams struct {
	ID   string      `json:"id"`
	Base interface{} `json:"base"`
	PPM  uint32      `json:"ppm"`
}

func handleSetChannelFee(a Adapter) Handler {
	return func(raw json.RawMessage) (interface{}, *Error) {
		var p setChannelFeeParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, errInvalidParams(err.Error())
		}
		if p.ID == "" {
			return nil, errInvalidParams("missing id")
		}

		base, err := parseBaseMsat(p.Base)
		if err != nil {
			return nil, errInvalidParams(err.Error())
		}

		result, err := a.SetChannelFee(p.ID, base, p.PPM)
		if err != nil {
			return nil, errGeneric(err.Error())
		}
		return result, nil
	}
}

// parseBaseMsat accepts either a bare JSON number or a string with an
// "msat" suffix for the `base` parameter of setchannelfee, and rejects
// anything that doesn't fit a 32-bit unsigned (spec §4.9).
func parseBaseMsat(v interface{}) (uint32, error) {
	switch val := v.(type) {
	case nil:
		return 0, fmt.Errorf("missing base")

	case float64:
		if val < 0 {
			return 0, fmt.Errorf("base must not be negative")
		}
		return clampUint32(uint64(val))

	case string:
		s := strings.TrimSpace(val)
		s = strings.TrimSuffix(s, "msat")
		n, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid base %q: %v", val, err)
		}
		return clampUint32(n)

	default:
		return 0, fmt.Errorf("base must be a number or msat-suffixed string")
	}
}

func clampUint32(n uint64) (uint32, error) {
	if n > 0xffffffff {
		return 0, fmt.Errorf("base %d does not fit in a 32-bit unsigned", n)
	}
	return uint32(n), nil
}

func handleGetInfo(a Adapter) Handler {
	return func(raw json.RawMessage) (interface{}, *Error) {
		result, err := a.GetInfo()
		if err != nil {
			return nil, errGeneric(err.Error())
		}
		return result, nil
	}
}

type idParams struct {
	ID string `json:"id"`
}

func handleDevSignLastTx(a Adapter) Handler {
	return func(raw json.RawMessage) (interface{}, *Error) {
		if gErr := devGuard(); gErr != nil {
			return nil, gErr
		}
		var p idParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, errInvalidParams(err.Error())
		}
		result, err := a.DevSignLastTx(p.ID)
		if err != nil {
			return nil, errGeneric(err.Error())
		}
		return result, nil
	}
}

func handleDevFail(a Adapter) Handler {
	return func(raw json.RawMessage) (interface{}, *Error) {
		if gErr := devGuard(); gErr != nil {
			return nil, gErr
		}
		var p idParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, errInvalidParams(err.Error())
		}
		if err := a.DevFail(p.ID); err != nil {
			return nil, errGeneric(err.Error())
		}
		return nil, nil
	}
}

func handleDevReenableCommit(a Adapter) Handler {
	return func(raw json.RawMessage) (interface{}, *Error) {
		if gErr := devGuard(); gErr != nil {
			return nil, gErr
		}
		var p idParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, errInvalidParams(err.Error())
		}
		if err := a.DevReenableCommit(p.ID); err != nil {
			return nil, errGeneric(err.Error())
		}
		return nil, nil
	}
}

type devForgetChannelParams struct {
	ID    string `json:"id"`
	Force bool   `json:"force"`
}

func handleDevForgetChannel(a Adapter) Handler {
	return func(raw json.RawMessage) (interface{}, *Error) {
		if gErr := devGuard(); gErr != nil {
			return nil, gErr
		}
		var p devForgetChannelParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, errInvalidParams(err.Error())
		}
		if err := a.DevForgetChannel(p.ID, p.Force); err != nil {
			return nil, errGeneric(err.Error())
		}
		return nil, nil
	}
}

func handleDevMemLeak(a Adapter) Handler {
	return func(raw json.RawMessage) (interface{}, *Error) {
		if gErr := devGuard(); gErr != nil {
			return nil, gErr
		}
		result, err := a.DevMemLeak()
		if err != nil {
			return nil, errGeneric(err.Error())
		}
		return result, nil
	}
}
