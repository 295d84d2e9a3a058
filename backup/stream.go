package backup

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"hash"
	"io"

	"github.com/jmcleod/caucase/internal/util"
)

const tagSize = sha256.Size

// sealer interleaves plaintext chunks with their running HMAC tag and
// AES-CBC encrypts the result, PKCS#7 padding it on Close.
type sealer struct {
	w         io.Writer
	mode      cipher.BlockMode
	mac       hash.Hash
	chunkSize int

	chunk   []byte
	pending []byte
}

func newSealer(w io.Writer, signingKey, symmetricKey, iv []byte, chunkSize int) (*sealer, error) {
	mode, err := util.NewCBCEncrypter(symmetricKey, iv)
	if err != nil {
		return nil, err
	}
	return &sealer{
		w:         w,
		mode:      mode,
		mac:       hmac.New(sha256.New, signingKey),
		chunkSize: chunkSize,
		chunk:     make([]byte, 0, chunkSize),
	}, nil
}

func (s *sealer) Write(p []byte) (int, error) {
	n := len(p)
	for len(p) > 0 {
		take := min(s.chunkSize-len(s.chunk), len(p))
		s.chunk = append(s.chunk, p[:take]...)
		p = p[take:]
		if len(s.chunk) == s.chunkSize {
			if err := s.flushChunk(); err != nil {
				return n - len(p), err
			}
		}
	}
	return n, nil
}

func (s *sealer) flushChunk() error {
	s.mac.Write(s.chunk)
	if err := s.encrypt(s.chunk); err != nil {
		return err
	}
	// Sum leaves the running state untouched, so every tag covers all the
	// chunks emitted so far.
	if err := s.encrypt(s.mac.Sum(nil)); err != nil {
		return err
	}
	s.chunk = s.chunk[:0]
	return nil
}

func (s *sealer) encrypt(p []byte) error {
	s.pending = append(s.pending, p...)
	whole := len(s.pending) / aes.BlockSize * aes.BlockSize
	if whole == 0 {
		return nil
	}
	out := make([]byte, whole)
	s.mode.CryptBlocks(out, s.pending[:whole])
	s.pending = append(s.pending[:0], s.pending[whole:]...)
	_, err := s.w.Write(out)
	return err
}

// Close seals the last partial chunk and writes the padded final blocks.
func (s *sealer) Close() error {
	if len(s.chunk) > 0 {
		if err := s.flushChunk(); err != nil {
			return err
		}
	}
	padded := util.PKCS7Pad(s.pending)
	out := make([]byte, len(padded))
	s.mode.CryptBlocks(out, padded)
	s.pending = s.pending[:0]
	_, err := s.w.Write(out)
	return err
}

// opener reverses sealer. Read only returns plaintext whose tag has
// already been checked.
type opener struct {
	r          io.Reader
	mode       cipher.BlockMode
	mac        hash.Hash
	signedSize int

	readBuf    []byte
	ciphertext []byte
	clear      []byte
	out        []byte
	eof        bool
	err        error
}

func newOpener(r io.Reader, signingKey, symmetricKey, iv []byte, chunkSize int) (*opener, error) {
	mode, err := util.NewCBCDecrypter(symmetricKey, iv)
	if err != nil {
		return nil, err
	}
	return &opener{
		r:          r,
		mode:       mode,
		mac:        hmac.New(sha256.New, signingKey),
		signedSize: chunkSize + tagSize,
		readBuf:    make([]byte, 64*1024),
	}, nil
}

func (o *opener) Read(p []byte) (int, error) {
	for len(o.out) == 0 {
		if o.err != nil {
			return 0, o.err
		}
		o.err = o.fill()
	}
	n := copy(p, o.out)
	o.out = o.out[n:]
	return n, nil
}

func (o *opener) fill() error {
	if o.eof {
		return io.EOF
	}
	n, err := o.r.Read(o.readBuf)
	o.ciphertext = append(o.ciphertext, o.readBuf[:n]...)
	switch {
	case err == io.EOF:
		o.eof = true
	case err != nil:
		return err
	}

	if whole := len(o.ciphertext) / aes.BlockSize * aes.BlockSize; whole > 0 {
		plain := make([]byte, whole)
		o.mode.CryptBlocks(plain, o.ciphertext[:whole])
		o.ciphertext = append(o.ciphertext[:0], o.ciphertext[whole:]...)
		o.clear = append(o.clear, plain...)
	}

	if !o.eof {
		// The last block may be padding: keep it until the end.
		for len(o.clear)-aes.BlockSize >= o.signedSize {
			if err := o.verify(o.clear[:o.signedSize]); err != nil {
				return err
			}
			o.clear = o.clear[o.signedSize:]
		}
		return nil
	}

	if len(o.ciphertext) != 0 || len(o.clear) < aes.BlockSize {
		return util.ErrBadPadding
	}
	last, err := util.PKCS7Unpad(o.clear[len(o.clear)-aes.BlockSize:])
	if err != nil {
		return err
	}
	o.clear = append(o.clear[:len(o.clear)-aes.BlockSize], last...)
	for len(o.clear) >= o.signedSize {
		if err := o.verify(o.clear[:o.signedSize]); err != nil {
			return err
		}
		o.clear = o.clear[o.signedSize:]
	}
	if len(o.clear) > 0 {
		if len(o.clear) < tagSize {
			return ErrHMACMismatch
		}
		if err := o.verify(o.clear); err != nil {
			return err
		}
		o.clear = nil
	}
	return nil
}

func (o *opener) verify(signed []byte) error {
	chunk, tag := signed[:len(signed)-tagSize], signed[len(signed)-tagSize:]
	o.mac.Write(chunk)
	if !hmac.Equal(o.mac.Sum(nil), tag) {
		return ErrHMACMismatch
	}
	o.out = append(o.out, chunk...)
	return nil
}
