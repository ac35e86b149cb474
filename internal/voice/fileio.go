package voice

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// writeClip stores a synthesized clip in dir under a name unique to this
// call and returns the path. Readers never observe a partial file.
func writeClip(dir string, dest DestinationID, data []byte) (string, error) {
	name := fmt.Sprintf("tts_%s_%s.wav", unsafeName.ReplaceAllString(string(dest), "_"), uuid.NewString())
	path := filepath.Join(dir, name)
	if err := saveFileAtomic(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// saveFileAtomic writes data to a temp file beside path, syncs it and
// renames it into place.
func saveFileAtomic(path string, data []byte, mode os.FileMode) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmp := f.Name()
	defer func() {
		if err != nil {
			_ = os.Remove(tmp)
		}
	}()
	if _, err = f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err = f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err = f.Close(); err != nil {
		return err
	}
	if err = os.Chmod(tmp, mode); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
