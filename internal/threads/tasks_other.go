//go:build !linux && !windows

package threads

func listThreads() ([]int, error) {
	return nil, nil
}

func currentThread() int {
	return 0
}
