package protocol

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/nocturne-chord/peer/internal/chord"
)

// encodeOwnerRef renders a PeerRef as "address:guid" for embedding inside a
// larger "::"-delimited body, per spec.md §6's BACKUP wire row
// (`fileId :: size :: ownerRef :: key :: replicationDegree`). The address
// itself may contain single colons ("host:port"), so decodeOwnerRef splits
// on the last colon rather than the first.
func encodeOwnerRef(p chord.PeerRef) string {
	return fmt.Sprintf("%s:%d", p.Address, p.GUID)
}

func decodeOwnerRef(s string) (chord.PeerRef, error) {
	i := strings.LastIndex(s, ":")
	if i < 0 {
		return chord.PeerRef{}, fmt.Errorf("malformed owner ref %q", s)
	}
	guid, err := strconv.Atoi(s[i+1:])
	if err != nil {
		return chord.PeerRef{}, fmt.Errorf("malformed owner ref guid %q: %w", s, err)
	}
	return chord.PeerRef{Address: s[:i], GUID: guid}, nil
}

// encodeBackupBody renders the BACKUP request body, per spec.md §6.
func encodeBackupBody(fileID string, size int64, owner chord.PeerRef, key, replicationDegree int) string {
	return strings.Join([]string{
		fileID,
		strconv.FormatInt(size, 10),
		encodeOwnerRef(owner),
		strconv.Itoa(key),
		strconv.Itoa(replicationDegree),
	}, "::")
}

type backupBody struct {
	FileID            string
	Size              int64
	Owner             chord.PeerRef
	Key               int
	ReplicationDegree int
}

func decodeBackupBody(body string) (backupBody, error) {
	parts := strings.Split(body, "::")
	if len(parts) != 5 {
		return backupBody{}, fmt.Errorf("malformed backup body %q: expected 5 fields, got %d", body, len(parts))
	}
	size, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return backupBody{}, fmt.Errorf("malformed backup size %q: %w", body, err)
	}
	owner, err := decodeOwnerRef(parts[2])
	if err != nil {
		return backupBody{}, err
	}
	key, err := strconv.Atoi(parts[3])
	if err != nil {
		return backupBody{}, fmt.Errorf("malformed backup key %q: %w", body, err)
	}
	replicationDegree, err := strconv.Atoi(parts[4])
	if err != nil {
		return backupBody{}, fmt.Errorf("malformed backup replication degree %q: %w", body, err)
	}
	return backupBody{
		FileID:            parts[0],
		Size:              size,
		Owner:             owner,
		Key:               key,
		ReplicationDegree: replicationDegree,
	}, nil
}

// encodeRemovedBody renders the REMOVED notification body, per spec.md §6:
// "fileId:key" with a single ':' separator (fileId is a hex string and
// never contains one).
func encodeRemovedBody(fileID string, key int) string {
	return fmt.Sprintf("%s:%d", fileID, key)
}

func decodeRemovedBody(body string) (fileID string, key int, err error) {
	parts := strings.SplitN(body, ":", 2)
	if len(parts) != 2 {
		return "", 0, fmt.Errorf("malformed removed body %q", body)
	}
	key, err = strconv.Atoi(parts[1])
	if err != nil {
		return "", 0, fmt.Errorf("malformed removed key %q: %w", body, err)
	}
	return parts[0], key, nil
}

const (
	nackNoSpace  = "NOSPACE"
	nackHaveFile = "HAVEFILE"
	nackNotFound = "NOTFOUND"
)
