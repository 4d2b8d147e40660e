//go:build windows

package shell

// Spawn always fails on Windows.
func (s *PTYSpawner) Spawn(opts SpawnOptions) (Process, error) {
	return nil, ErrUnsupported
}
