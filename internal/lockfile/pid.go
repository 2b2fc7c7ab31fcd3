package lockfile

import "os"

func currentPID() int {
	return os.Getpid()
}
