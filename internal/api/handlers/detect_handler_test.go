package handlers

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pestwatch/backend/internal/middleware/validation"
)

func TestSecureFilename(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"leaf.png", "leaf.png"},
		{"Leaf.JPG", "Leaf.jpg"},
		{"害虫.png", "upload.png"},
		{"蚜虫 照片.jpg", "upload.jpg"},
		{"稻飞虱_01.jpeg", "01.jpeg"},
		{"../../etc/leaf photo.png", "leaf_photo.png"},
		{`C:\Users\farmer\leaf.png`, "leaf.png"},
		{".hidden.png", "hidden.png"},
		{"noext", "noext"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got := secureFilename(tt.in)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSecureFilename_KeepsUploadsServable(t *testing.T) {
	for _, name := range []string{"害虫.png", "蚜虫 照片.jpg", "IMG_0001.JPEG"} {
		assert.True(t, validation.AllowedFile(secureFilename(name), validation.DefaultImageExtensions), name)
	}
}
