package models

// NoImage is the ImageRef value for records without an image.
const NoImage = "empty"

// Record is a single browsable item tracked by Herbarium.
type Record struct {
	ID          string `json:"id" yaml:"id"`
	Title       string `json:"title" yaml:"title"`
	Description string `json:"description" yaml:"description"`
	ImageRef    string `json:"image_ref" yaml:"image_ref"`
}

// HasImage reports whether the record references an image.
func (r Record) HasImage() bool {
	return r.ImageRef != "" && r.ImageRef != NoImage
}
