package ipc

import (
	"encoding/json"
	"fmt"
	"net"
	"time"
)

const dialTimeout = 2 * time.Second

// Query sends one command to the daemon listening on socketPath.
func Query(socketPath, command string, params *Params) (*Response, error) {
	request, err := NewRequest(command, params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	conn, err := net.DialTimeout("unix", socketPath, dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to dropshelf daemon: %w", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(connDeadline))

	if err := json.NewEncoder(conn).Encode(request); err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	var response Response
	if err := json.NewDecoder(conn).Decode(&response); err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return &response, nil
}

// DecodeData converts a response payload into v.
func DecodeData(resp *Response, v interface{}) error {
	raw, err := json.Marshal(resp.Data)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("invalid response data: %w", err)
	}
	return nil
}
