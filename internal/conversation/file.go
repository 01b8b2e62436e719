package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const conversationFileMode = 0o600

// File stores each conversation as a JSON-lines file under Dir. Several
// processes may share Dir: appends hold an exclusive advisory lock on the
// conversation file and read the last turn ID from it, so IDs stay dense.
type File struct {
	Dir   string
	Now   func() time.Time
	NewID func() string

	mu sync.Mutex
}

func NewFile(dir string) (*File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create conversation dir: %w", err)
	}
	return &File{Dir: dir}, nil
}

func (f *File) path(id string) (string, error) {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return "", fmt.Errorf("invalid conversation id %q", id)
	}
	return filepath.Join(f.Dir, id+".jsonl"), nil
}

func (f *File) CreateConversation(_ context.Context, id string) error {
	p, err := f.path(id)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	fh, err := os.OpenFile(p, os.O_CREATE|os.O_WRONLY, conversationFileMode)
	if err != nil {
		return fmt.Errorf("create conversation %s: %w", id, err)
	}
	return fh.Close()
}

func (f *File) PostTurn(_ context.Context, conversationID, role, text string) (int64, error) {
	p, err := f.path(conversationID)
	if err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	fh, err := openConversation(p, os.O_RDWR|os.O_APPEND)
	if err != nil {
		return 0, err
	}
	defer fh.Close()
	if err := lockFile(fh, true); err != nil {
		return 0, fmt.Errorf("lock conversation %s: %w", conversationID, err)
	}
	defer unlockFile(fh)

	turns, err := decodeTurns(fh, p)
	if err != nil {
		return 0, err
	}
	var last int64
	if len(turns) > 0 {
		last = turns[len(turns)-1].ID
	}
	t := Turn{ID: last + 1, ConversationID: conversationID, Role: role, Text: text, CreatedAt: timestamp(f.Now)}
	line, err := json.Marshal(t)
	if err != nil {
		return 0, err
	}
	if _, err := fh.Write(append(line, '\n')); err != nil {
		return 0, fmt.Errorf("append turn: %w", err)
	}
	return t.ID, nil
}

func (f *File) ReadTurns(_ context.Context, conversationID string, sinceTurnID int64) ([]Turn, error) {
	p, err := f.path(conversationID)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	fh, err := openConversation(p, os.O_RDONLY)
	if err != nil {
		return nil, err
	}
	defer fh.Close()
	if err := lockFile(fh, false); err != nil {
		return nil, fmt.Errorf("lock conversation %s: %w", conversationID, err)
	}
	defer unlockFile(fh)

	turns, err := decodeTurns(fh, p)
	if err != nil {
		return nil, err
	}
	var res []Turn
	for _, t := range turns {
		if t.ID > sinceTurnID {
			res = append(res, t)
		}
	}
	return res, nil
}

func (f *File) GenerateConversationID() string {
	if f.NewID != nil {
		return f.NewID()
	}
	return uuid.NewString()
}

func openConversation(p string, flag int) (*os.File, error) {
	fh, err := os.OpenFile(p, flag, conversationFileMode)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return fh, nil
}

// decodeTurns reads every turn from r. Turns are not size-limited.
func decodeTurns(r io.Reader, p string) ([]Turn, error) {
	var turns []Turn
	dec := json.NewDecoder(r)
	for {
		var t Turn
		err := dec.Decode(&t)
		if errors.Is(err, io.EOF) {
			return turns, nil
		}
		if err != nil {
			return nil, fmt.Errorf("corrupt turn in %s: %w", filepath.Base(p), err)
		}
		turns = append(turns, t)
	}
}
