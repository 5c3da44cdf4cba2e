package domain

type UploadedFile struct {
	ID       string `json:"id,omitempty"`
	Name     string `json:"name"`
	MIMEType string `json:"mime_type"`
	Size     int64  `json:"size"`
	Data     []byte `json:"-"`
}
