// Package protocol defines the wire types shared by the action endpoint
// and its clients.
package protocol

// Envelope status values.
const (
	StatusSuccess = 1
	StatusFailure = -1
)

// Request field names, as sent by the editor in JSON or form bodies.
const (
	FieldAction      = "action"
	FieldKey         = "key"
	FieldFilename    = "filename"
	FieldNewFilename = "new_filename"
	FieldFolder      = "folder"
	FieldContent     = "content"
)

// ActionRequest is the JSON body accepted by POST /.
// Content is a pointer so that an empty file can be told apart from a
// missing parameter.
type ActionRequest struct {
	Action      string  `json:"action"`
	Key         string  `json:"key"`
	Filename    string  `json:"filename,omitempty"`
	NewFilename string  `json:"new_filename,omitempty"`
	Folder      string  `json:"folder,omitempty"`
	Content     *string `json:"content,omitempty"`
}

// FileEntry describes one directory child in a list response.
type FileEntry struct {
	Name     string `json:"name"`
	IsDir    bool   `json:"is_dir"`
	MimeType string `json:"mime_type"`
	Size     int64  `json:"size"`
}

// ListPayload is merged into the envelope of a list response.
type ListPayload struct {
	Project string      `json:"project"`
	Folder  string      `json:"folder"`
	Files   []FileEntry `json:"files"`
}

// FilenamePayload carries the project-relative path a save or move
// touched.
type FilenamePayload struct {
	Filename string `json:"filename"`
}

// FolderPayload carries the project-relative folder mkdir created.
type FolderPayload struct {
	Folder string `json:"folder"`
}

// DataPayload carries autocomplete matches or the project descriptor.
type DataPayload struct {
	Data any `json:"data"`
}

// Event is one change notification on GET /events.
type Event struct {
	Type      string `json:"type"`
	Project   string `json:"project"`
	Path      string `json:"path"`
	NewPath   string `json:"new_path,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// ErrorResponse is returned by endpoints outside the action envelope.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}
