package chord

import (
	"fmt"
	"strconv"
	"strings"
)

// encodeRef renders a PeerRef as "address::guid", the body format used by
// FIND_SUCCESSOR/GET_PREDECESSOR replies and NOTIFY requests.
func encodeRef(p PeerRef) string {
	return fmt.Sprintf("%s::%d", p.Address, p.GUID)
}

const noneRef = "NONE"

func decodeRef(body string) (PeerRef, bool, error) {
	if body == noneRef || body == "" {
		return PeerRef{}, false, nil
	}
	parts := strings.SplitN(body, "::", 2)
	if len(parts) != 2 {
		return PeerRef{}, false, fmt.Errorf("malformed peer ref: %q", body)
	}
	guid, err := strconv.Atoi(parts[1])
	if err != nil {
		return PeerRef{}, false, fmt.Errorf("malformed guid in peer ref %q: %w", body, err)
	}
	return PeerRef{Address: parts[0], GUID: mask(guid)}, true, nil
}

func encodeTarget(id ID) string {
	return strconv.Itoa(id)
}

func decodeTarget(body string) (ID, error) {
	v, err := strconv.Atoi(body)
	if err != nil {
		return 0, fmt.Errorf("malformed target %q: %w", body, err)
	}
	return mask(v), nil
}
