//go:build !(linux && cgo)

package media

import "errors"

// NewSystem is only available on linux builds with cgo.
func NewSystem() (Devices, error) {
	return nil, errors.New("system capture devices need linux and cgo")
}
