//go:build !govips || !cgo

package compose

func Startup() error {
	return nil
}

func Shutdown() {}

func newFuser(width, height int) (Fuser, error) {
	return stdFuser{width: width, height: height}, nil
}
