// Package ipc exposes the shelf command surface to UI collaborators and the
// command-line client. Commands arrive as JSON over a unix socket or a
// websocket; lifecycle events are pushed over the websocket.
package ipc

import (
	"encoding/json"

	"github.com/chess10kp/dropshelf/internal/platform"
	"github.com/chess10kp/dropshelf/internal/shelf"
)

// Command names.
const (
	CmdCreate       = "shelf.create"
	CmdDestroy      = "shelf.destroy"
	CmdShow         = "shelf.show"
	CmdHide         = "shelf.hide"
	CmdDock         = "shelf.dock"
	CmdUndock       = "shelf.undock"
	CmdAddItem      = "shelf.addItem"
	CmdRemoveItem   = "shelf.removeItem"
	CmdUpdateConfig = "shelf.updateConfig"
	CmdFindItems    = "shelf.findItems"
	CmdGet          = "shelf.get"
	CmdList         = "shelf.list"
	CmdStatus       = "status"
)

// Request is one command. ID is echoed in the response so websocket
// clients can match replies to requests.
type Request struct {
	ID      string          `json:"id,omitempty"`
	Command string          `json:"command"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type Response struct {
	ID      string      `json:"id,omitempty"`
	Success bool        `json:"success"`
	Data    interface{} `json:"data"`
	Error   string      `json:"error,omitempty"`
}

// Params is the union of every command's parameters. Each command reads
// the fields it needs.
type Params struct {
	ShelfID string `json:"shelfId,omitempty"`
	ItemID  string `json:"itemId,omitempty"`
	Edge    string `json:"edge,omitempty"`
	Query   string `json:"query,omitempty"`

	// shelf.addItem takes either a full item or a bare path.
	Item *shelf.Item `json:"item,omitempty"`
	Path string      `json:"path,omitempty"`

	// shelf.updateConfig
	Config *shelf.PartialConfig `json:"config,omitempty"`

	// shelf.create
	Position  *platform.Point `json:"position,omitempty"`
	IsPinned  bool            `json:"isPinned,omitempty"`
	Opacity   *float64        `json:"opacity,omitempty"`
	DockEdge  string          `json:"dockEdge,omitempty"`
	Hidden    bool            `json:"hidden,omitempty"`
	AtPointer bool            `json:"atPointer,omitempty"`
}

// NewRequest encodes params into a request.
func NewRequest(command string, params *Params) (Request, error) {
	req := Request{Command: command}
	if params == nil {
		return req, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return req, err
	}
	req.Params = raw
	return req, nil
}

func failure(msg string) Response {
	return Response{Success: false, Error: msg}
}

func result(ok bool) Response {
	return Response{Success: ok, Data: ok}
}
