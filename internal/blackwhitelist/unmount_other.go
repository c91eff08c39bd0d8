//go:build !linux

package blackwhitelist

import "errors"

func lazyUnmount(string) error {
	return errors.ErrUnsupported
}
