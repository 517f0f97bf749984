// Package page holds the bootstrap document served to the browser. The
// document asks for geolocation permission and posts each fix back to
// /update on the same origin.
package page

import _ "embed"

// ContentType is the media type the bootstrap document is served with.
const ContentType = "text/html; charset=utf-8"

//go:embed index.html
var index []byte

// HTML returns the bootstrap document. The returned slice must not be
// modified.
func HTML() []byte {
	return index
}
