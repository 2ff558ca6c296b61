package pgraster

import "sync"

// Buffer pools for decoded tile payloads. A read call decodes one payload per
// intersecting tile and releases all of them once the composite has been read.

// blobPool pools byte slices by size class.
type blobPool struct {
	// Small payloads, up to 64KB: 256x256 Byte tiles
	small sync.Pool
	// Medium payloads, up to 256KB: 256x256 32-bit tiles
	medium sync.Pool
	// Large payloads, up to 1MB: 512x512 32-bit tiles
	large sync.Pool
	// XLarge payloads, up to 4MB: 512x512 64-bit tiles or wide strips
	xlarge sync.Pool
}

const (
	smallBlobSize  = 64 * 1024
	mediumBlobSize = 256 * 1024
	largeBlobSize  = 1024 * 1024
	xlargeBlobSize = 4 * 1024 * 1024
)

func newSizedPool(size int) sync.Pool {
	return sync.Pool{
		New: func() interface{} {
			buf := make([]byte, size)
			return &buf
		},
	}
}

var blobs = &blobPool{
	small:  newSizedPool(smallBlobSize),
	medium: newSizedPool(mediumBlobSize),
	large:  newSizedPool(largeBlobSize),
	xlarge: newSizedPool(xlargeBlobSize),
}

// GetBuffer returns a byte slice of length size from the pool.
// Call PutBuffer when done.
func GetBuffer(size int) []byte {
	var p *sync.Pool
	switch {
	case size <= smallBlobSize:
		p = &blobs.small
	case size <= mediumBlobSize:
		p = &blobs.medium
	case size <= largeBlobSize:
		p = &blobs.large
	case size <= xlargeBlobSize:
		p = &blobs.xlarge
	default:
		// Not pooled
		return make([]byte, size)
	}
	bufPtr := p.Get().(*[]byte)
	return (*bufPtr)[:size]
}

// PutBuffer returns a buffer obtained from GetBuffer to the pool. The buffer
// must not be used afterwards.
func PutBuffer(buf []byte) {
	c := cap(buf)
	buf = buf[:c]

	switch c {
	case smallBlobSize:
		blobs.small.Put(&buf)
	case mediumBlobSize:
		blobs.medium.Put(&buf)
	case largeBlobSize:
		blobs.large.Put(&buf)
	case xlargeBlobSize:
		blobs.xlarge.Put(&buf)
	}
	// Other sizes are left to the GC
}
