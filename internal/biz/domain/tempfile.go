package domain

// TempFile is a short-lived on-disk artifact created by a streaming
// download. Release MUST be invoked on every exit path, success or failure;
// it is best-effort and never returns a fatal error.
type TempFile struct {
	Path        string
	Size        int64
	ContentType string
	release     func()
}

// NewTempFile wraps a path with its release closure.
func NewTempFile(path string, size int64, contentType string, release func()) *TempFile {
	return &TempFile{Path: path, Size: size, ContentType: contentType, release: release}
}

// Release deletes the temp file. Safe to call more than once.
func (t *TempFile) Release() {
	if t == nil || t.release == nil {
		return
	}
	t.release()
	t.release = nil
}
