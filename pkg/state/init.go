package state

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/cuemby/pgkeeper/pkg/types"
)

const initMagic uint32 = 0x706b6970 // "pkip"

func encodeInit(ip *types.InitProgress) ([]byte, error) {
	code, err := roleToCode(ip.PreInitState)
	if err != nil {
		return nil, err
	}
	buf := new(bytes.Buffer)
	fields := []any{initMagic, versionMajor, code, ip.RegistrationTime.UnixNano()}
	for _, f := range fields {
		if err := binary.Write(buf, binary.BigEndian, f); err != nil {
			return nil, fmt.Errorf("state: encode init: %w", err)
		}
	}
	return buf.Bytes(), nil
}

func decodeInit(data []byte) (*types.InitProgress, error) {
	r := bytes.NewReader(data)

	var magic uint32
	if err := binary.Read(r, binary.BigEndian, &magic); err != nil {
		return nil, fmt.Errorf("state: read init magic: %w", err)
	}
	if magic != initMagic {
		return nil, fmt.Errorf("state: bad init magic %#x", magic)
	}

	var major uint16
	if err := binary.Read(r, binary.BigEndian, &major); err != nil {
		return nil, fmt.Errorf("state: read init version: %w", err)
	}
	if major != versionMajor {
		return nil, &VersionMismatchError{FileMajor: major, WantMajor: versionMajor}
	}

	var code uint8
	if err := binary.Read(r, binary.BigEndian, &code); err != nil {
		return nil, fmt.Errorf("state: read init role: %w", err)
	}
	var nanos int64
	if err := binary.Read(r, binary.BigEndian, &nanos); err != nil {
		return nil, fmt.Errorf("state: read init time: %w", err)
	}

	role, err := codeToRole(code)
	if err != nil {
		return nil, err
	}
	return &types.InitProgress{
		PreInitState:     role,
		RegistrationTime: time.Unix(0, nanos).UTC(),
	}, nil
}
