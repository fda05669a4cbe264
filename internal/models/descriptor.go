package models

// FileDescriptor identifies one remote resource to preview. It is treated as
// immutable once received; two descriptors with the same URL are unrelated.
type FileDescriptor struct {
	URL          string `json:"url"`
	DeclaredName string `json:"name"`
	DeclaredType string `json:"type"`
	OriginalName string `json:"original_name,omitempty"`
	SizeBytes    *int64 `json:"size,omitempty"`
	// DisplayURL, when set, is what a browser should load instead of URL
	// (used for internal attachment:// descriptors).
	DisplayURL string `json:"display_url,omitempty"`
}

// RenderURL is the URL handed to image and pdf viewers.
func (d FileDescriptor) RenderURL() string {
	if d.DisplayURL != "" {
		return d.DisplayURL
	}
	return d.URL
}

// Name prefers the original file name over the declared one.
func (d FileDescriptor) Name() string {
	if d.OriginalName != "" {
		return d.OriginalName
	}
	return d.DeclaredName
}
