package hypervisor

import "os"

// newTempFile writes data to a fresh temp file and returns its path.
// DefineVM stages the rewritten domain definition this way before
// handing it to Upload, since the Remote Transport's Upload operation
// reads from a local path rather than an in-memory buffer.
func newTempFile(data []byte) (string, error) {
	f, err := os.CreateTemp("", "cloneforge-domain-*.xml")
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return "", err
	}
	return f.Name(), nil
}
