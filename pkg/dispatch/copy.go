package dispatch

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"

	"github.com/openfroyo/fleetplay/pkg/engine"
)

// runCopy writes "content" or the controller file "src" to "dest". The
// file is only uploaded when its checksum differs.
func runCopy(ctx context.Context, req *Request) (engine.TaskResult, error) {
	dest, err := req.Args.Require("dest")
	if err != nil {
		return engine.TaskResult{}, err
	}
	mode, err := req.Args.Mode("mode")
	if err != nil {
		return engine.TaskResult{}, err
	}

	var data []byte
	if content, ok := req.Args.String("content"); ok {
		data = []byte(content)
	} else {
		src, err := req.Args.Require("src")
		if err != nil {
			return engine.TaskResult{}, errors.New("copy needs either content or src")
		}
		if data, err = os.ReadFile(src); err != nil {
			return engine.TaskResult{}, fmt.Errorf("failed to read source: %w", err)
		}
	}

	sum := sha256.Sum256(data)
	want := hex.EncodeToString(sum[:])

	t, err := req.Target(ctx)
	if err != nil {
		return engine.TaskResult{}, err
	}

	current, err := t.Checksum(ctx, dest)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return engine.TaskResult{}, fmt.Errorf("failed to checksum %s: %w", dest, err)
	}
	if current == want {
		return engine.TaskResult{
			Output: dest + " is up to date",
			Data:   map[string]interface{}{"dest": dest, "checksum": want},
		}, nil
	}

	res, err := t.Upload(ctx, bytes.NewReader(data), dest, mode)
	if err != nil {
		return engine.TaskResult{}, err
	}
	return engine.TaskResult{
		Changed: true,
		Output:  fmt.Sprintf("copied %d bytes to %s", res.BytesTransferred, dest),
		Data: map[string]interface{}{
			"dest":     dest,
			"checksum": res.Checksum,
			"size":     res.BytesTransferred,
		},
	}, nil
}
