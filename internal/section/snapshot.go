package section

import (
	"fmt"

	"github.com/WebFirstLanguage/beevault/pkg/codec/cborcanon"
	"github.com/WebFirstLanguage/beevault/pkg/membership"
	"github.com/WebFirstLanguage/beevault/pkg/xorname"
	"github.com/klauspost/compress/zstd"
)

// maxSnapshotSize bounds a decompressed snapshot
const maxSnapshotSize = 64 << 20

// The encoder and decoder are safe for concurrent use and reused across calls
var (
	snapshotEncoder *zstd.Encoder
	snapshotDecoder *zstd.Decoder
)

func init() {
	var err error
	snapshotEncoder, err = zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
	)
	if err != nil {
		panic("section: zstd encoder initialization failed: " + err.Error())
	}

	snapshotDecoder, err = zstd.NewReader(nil,
		zstd.WithDecoderMaxMemory(maxSnapshotSize),
	)
	if err != nil {
		panic("section: zstd decoder initialization failed: " + err.Error())
	}
}

// EncodeSnapshot serializes a snapshot for transfer: canonical CBOR, then zstd
func EncodeSnapshot(snap *membership.Snapshot) ([]byte, error) {
	raw, err := cborcanon.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot: %w", err)
	}
	return snapshotEncoder.EncodeAll(raw, nil), nil
}

// DecodeSnapshot reverses EncodeSnapshot and checks the view is well formed
func DecodeSnapshot(data []byte) (*membership.Snapshot, error) {
	raw, err := snapshotDecoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}

	var snap membership.Snapshot
	if err := cborcanon.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	if err := checkView(&snap.View); err != nil {
		return nil, err
	}
	return &snap, nil
}

// checkView verifies that every member lies in the prefix, names are unique
// and a snapshot never describes an empty section
func checkView(v *membership.View) error {
	if len(v.Members) == 0 {
		return fmt.Errorf("%w: snapshot of %s has no members", ErrInvalidEvent, v.Prefix.Display())
	}
	seen := make(map[xorname.Name]struct{}, len(v.Members)+len(v.Pending))
	for _, list := range [][]membership.Member{v.Members, v.Pending} {
		for _, m := range list {
			if !v.Prefix.Matches(m.Name) {
				return fmt.Errorf("%w: member %s outside %s", ErrInvalidEvent, m.Name.Short(), v.Prefix.Display())
			}
			if _, dup := seen[m.Name]; dup {
				return fmt.Errorf("%w: member %s listed twice", ErrInvalidEvent, m.Name.Short())
			}
			seen[m.Name] = struct{}{}
		}
	}
	return nil
}
