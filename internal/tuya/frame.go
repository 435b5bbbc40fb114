package tuya

import (
	"bytes"
	"crypto/aes"
	"crypto/md5"
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/cybre/growlight-controller/internal/errors"
)

var (
	ErrShortFrame    = fmt.Errorf("frame is too short")
	ErrFramePrefix   = fmt.Errorf("frame does not start with the 55AA prefix")
	ErrFrameCRC      = fmt.Errorf("frame checksum mismatch")
	ErrInvalidKey    = fmt.Errorf("local key must be 16 bytes")
	ErrInvalidBlock  = fmt.Errorf("ciphertext is not a whole number of blocks")
	ErrInvalidPad    = fmt.Errorf("invalid PKCS#7 padding")
	ErrFrameTooLarge = fmt.Errorf("frame length exceeds the maximum")
)

type command uint32

const (
	commandControl   command = 7
	commandStatus    command = 8
	commandHeartbeat command = 9
	commandDPQuery   command = 10
)

const (
	framePrefix uint32 = 0x000055AA
	frameSuffix uint32 = 0x0000AA55
	headerSize         = 16
	trailerSize        = 8

	// maxFrameSize bounds the length a header may announce. Device frames
	// are a few hundred bytes at most.
	maxFrameSize = 64 << 10
)

// udpKey decrypts the discovery broadcasts of protocol 3.3 devices.
var udpKey = md5.Sum([]byte("yGAdlopoPVldABfn"))

type frame struct {
	seq        uint32
	cmd        command
	returnCode uint32
	payload    []byte
}

func encodeFrame(seq uint32, cmd command, payload []byte) []byte {
	buf := make([]byte, 0, headerSize+len(payload)+trailerSize)
	buf = binary.BigEndian.AppendUint32(buf, framePrefix)
	buf = binary.BigEndian.AppendUint32(buf, seq)
	buf = binary.BigEndian.AppendUint32(buf, uint32(cmd))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(payload)+trailerSize))
	buf = append(buf, payload...)
	buf = binary.BigEndian.AppendUint32(buf, crc32.ChecksumIEEE(buf))
	buf = binary.BigEndian.AppendUint32(buf, frameSuffix)

	return buf
}

// frameLength reports how many bytes the frame at the start of buf occupies,
// or 0 if the header is not complete yet.
func frameLength(buf []byte) (int, error) {
	if len(buf) < headerSize {
		return 0, nil
	}
	if binary.BigEndian.Uint32(buf[0:4]) != framePrefix {
		return 0, errors.Wrap(ErrFramePrefix)
	}

	length := binary.BigEndian.Uint32(buf[12:16])
	if length > maxFrameSize {
		return 0, errors.Wrapf(ErrFrameTooLarge, "header announces %d bytes", length)
	}

	return headerSize + int(length), nil
}

func decodeFrame(buf []byte) (frame, error) {
	if len(buf) < headerSize+trailerSize {
		return frame{}, errors.Wrap(ErrShortFrame)
	}
	if binary.BigEndian.Uint32(buf[0:4]) != framePrefix {
		return frame{}, errors.Wrap(ErrFramePrefix)
	}

	end := len(buf) - trailerSize
	if crc32.ChecksumIEEE(buf[:end]) != binary.BigEndian.Uint32(buf[end:end+4]) {
		return frame{}, errors.Wrap(ErrFrameCRC)
	}

	f := frame{
		seq: binary.BigEndian.Uint32(buf[4:8]),
		cmd: command(binary.BigEndian.Uint32(buf[8:12])),
	}

	payload := buf[headerSize:end]
	// Device replies carry a return code before the payload; broadcasts and
	// some pushes do not. A leading word with high bits set is payload.
	if len(payload) >= 4 && binary.BigEndian.Uint32(payload[:4])&0xFFFFFF00 == 0 {
		f.returnCode = binary.BigEndian.Uint32(payload[:4])
		payload = payload[4:]
	}
	f.payload = payload

	return f, nil
}

func encrypt(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidKey, "%s", err)
	}

	padding := aes.BlockSize - len(plaintext)%aes.BlockSize
	padded := append(append([]byte{}, plaintext...), bytes.Repeat([]byte{byte(padding)}, padding)...)

	out := make([]byte, len(padded))
	for i := 0; i < len(padded); i += aes.BlockSize {
		block.Encrypt(out[i:i+aes.BlockSize], padded[i:i+aes.BlockSize])
	}

	return out, nil
}

func decrypt(key, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidKey, "%s", err)
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, errors.Wrap(ErrInvalidBlock)
	}

	out := make([]byte, len(ciphertext))
	for i := 0; i < len(ciphertext); i += aes.BlockSize {
		block.Decrypt(out[i:i+aes.BlockSize], ciphertext[i:i+aes.BlockSize])
	}

	padding := int(out[len(out)-1])
	if padding == 0 || padding > aes.BlockSize || padding > len(out) {
		return nil, errors.Wrap(ErrInvalidPad)
	}
	for _, b := range out[len(out)-padding:] {
		if int(b) != padding {
			return nil, errors.Wrap(ErrInvalidPad)
		}
	}

	return out[:len(out)-padding], nil
}

// versionHeader prefixes encrypted control payloads: the protocol version
// followed by twelve zero bytes.
func versionHeader(version string) []byte {
	header := make([]byte, 15)
	copy(header, version)

	return header
}

// openPayload strips the version header and decrypts the payload when it is
// encrypted. Plain text payloads are returned unchanged.
func openPayload(key []byte, version string, payload []byte) []byte {
	if bytes.HasPrefix(payload, []byte(version)) && len(payload) >= 15 {
		payload = payload[15:]
	}
	if len(payload) == 0 || payload[0] == '{' {
		return payload
	}

	plain, err := decrypt(key, payload)
	if err != nil {
		return payload
	}

	return plain
}
