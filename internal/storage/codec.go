package storage

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"revsynth/internal/model"
)

const (
	CurrentSchemaVersion = 1
	CurrentCodecVersion  = 1
)

var ErrVersionMismatch = errors.New("record version mismatch")

func EncodeNode(n model.Node) ([]byte, error) {
	n.SchemaVersion = CurrentSchemaVersion
	n.CodecVersion = CurrentCodecVersion
	return json.Marshal(n)
}

func DecodeNode(data []byte) (model.Node, error) {
	var node model.Node
	if err := json.Unmarshal(data, &node); err != nil {
		return model.Node{}, err
	}
	if err := checkVersion(node.VersionedRecord); err != nil {
		return model.Node{}, err
	}
	return node, nil
}

func checkVersion(v model.VersionedRecord) error {
	if v.SchemaVersion != CurrentSchemaVersion || v.CodecVersion != CurrentCodecVersion {
		return ErrVersionMismatch
	}
	return nil
}

// Key layout for key-value backends:
//
//	<dir> 'n' <level uint32> <id uint64>  -> encoded node
//	<dir> 's'                             -> id sequence
//
// Big-endian integers keep keys of one level contiguous and in insertion
// order, and levels in ascending order.
const (
	nodeTag     = 'n'
	sequenceTag = 's'
	nodeKeyLen  = 2 + 4 + 8
)

func dirByte(dir model.Direction) byte {
	if dir == model.Backward {
		return 'b'
	}
	return 'f'
}

func nodePrefix(dir model.Direction) []byte {
	return []byte{dirByte(dir), nodeTag}
}

func levelPrefix(dir model.Direction, level int) []byte {
	key := make([]byte, 2+4)
	key[0], key[1] = dirByte(dir), nodeTag
	binary.BigEndian.PutUint32(key[2:], uint32(level))
	return key
}

func nodeKey(dir model.Direction, level int, id int64) []byte {
	key := make([]byte, nodeKeyLen)
	copy(key, levelPrefix(dir, level))
	binary.BigEndian.PutUint64(key[6:], uint64(id))
	return key
}

func sequenceKey(dir model.Direction) []byte {
	return []byte{dirByte(dir), sequenceTag}
}

func parseNodeKey(key []byte) (level int, id int64, err error) {
	if len(key) != nodeKeyLen || key[1] != nodeTag {
		return 0, 0, fmt.Errorf("malformed node key %x", key)
	}
	return int(binary.BigEndian.Uint32(key[2:6])), int64(binary.BigEndian.Uint64(key[6:])), nil
}
