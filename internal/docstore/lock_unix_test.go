//go:build !windows

package docstore

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWriteFailsWhileLockHeld(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.json")
	s := New(path, WithLockTimeout(120*time.Millisecond))

	holder, err := os.OpenFile(path+".lock", os.O_CREATE|os.O_RDWR, 0600)
	require.NoError(t, err)
	defer holder.Close()
	require.NoError(t, lockFile(holder))
	defer unlockFile(holder)

	err = s.Write(sample{Name: "blocked"})
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrLocked))
}
