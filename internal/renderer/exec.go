package renderer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/loqalabs/loqa-narrator/internal/protocol"
	"github.com/mattn/go-shellwords"
)

const spritePlaceholder = "{sprite}"

// ExecPlayer runs an external command per sprite. "{sprite}" in the command
// is replaced by the sprite id; the id is also passed as NARRATOR_SPRITE_ID
// and as a JSON object on stdin. Plays are serialized because they share one
// audio output.
type ExecPlayer struct {
	cmd []string
	mu  sync.Mutex
}

func NewExecPlayer(command string) (*ExecPlayer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse renderer command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("renderer command empty")
	}
	return &ExecPlayer{cmd: args}, nil
}

func (e *ExecPlayer) Play(ctx context.Context, spriteID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	args := make([]string, len(e.cmd))
	for i, a := range e.cmd {
		args[i] = strings.ReplaceAll(a, spritePlaceholder, spriteID)
	}
	input, err := json.Marshal(protocol.SpriteParams{SpriteID: spriteID})
	if err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Env = append(os.Environ(), "NARRATOR_SPRITE_ID="+spriteID)
	cmd.Stdin = bytes.NewReader(input)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("play sprite %s: %w: %s", spriteID, err, msg)
		}
		return fmt.Errorf("play sprite %s: %w", spriteID, err)
	}
	return nil
}
