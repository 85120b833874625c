package fsutil

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"

	"framepick/internal/frame"
)

// ReadDepth loads a little-endian float32 depth map of width x height.
func ReadDepth(path string, width, height int) (*frame.DepthBuffer, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("depth %s: invalid dimensions %dx%d", path, width, height)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	want := int64(width) * int64(height) * 4
	if st.Size() != want {
		return nil, fmt.Errorf("depth %s: size %d, want %d for %dx%d", path, st.Size(), want, width, height)
	}

	data := make([]float32, width*height)
	if err := binary.Read(bufio.NewReader(f), binary.LittleEndian, data); err != nil {
		return nil, fmt.Errorf("depth %s: %w", path, err)
	}
	return frame.NewDepthBuffer(width, height, data), nil
}

// WriteDepth stores data as a little-endian float32 depth map.
func WriteDepth(path string, data []float32) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	if err := binary.Write(w, binary.LittleEndian, data); err != nil {
		f.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
