//go:build !gl

package gpu

import "fmt"

// GLDevice stub for builds without the gl tag
type GLDevice struct {
	Device
}

func NewGLDevice() (*GLDevice, error) {
	return nil, fmt.Errorf("OpenGL compute is not built in; rebuild with -tags gl")
}
