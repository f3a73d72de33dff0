package misp

import (
	"time"

	"github.com/misp-sync/connector/platform"
)

// ArtifactDescriptor is the tagged-union observable descriptor from §3 and
// §9's design note ("tagged-union with three variants so invariants are
// enforced by construction"). Exactly one of the three fields is non-nil;
// use the constructors below rather than the struct literal directly.
type ArtifactDescriptor struct {
	DataType         string
	data             *string
	attachment       *platform.AttachmentFile
	remoteAttachment *platform.RemoteAttachment
	Tags             []string
	TLP              int
	Message          string
	StartDate        time.Time
}

// NewInlineArtifact builds a descriptor carrying inline string data.
func NewInlineArtifact(dataType, data string) ArtifactDescriptor {
	return ArtifactDescriptor{DataType: dataType, data: &data, TLP: 2}
}

// NewAttachmentArtifact builds a descriptor carrying a locally held file.
func NewAttachmentArtifact(dataType string, file platform.AttachmentFile) ArtifactDescriptor {
	return ArtifactDescriptor{DataType: dataType, attachment: &file, TLP: 2}
}

// NewRemoteAttachmentArtifact builds a descriptor pointing at a remote
// MISP attachment not yet downloaded.
func NewRemoteAttachmentArtifact(dataType string, ref platform.RemoteAttachment) ArtifactDescriptor {
	return ArtifactDescriptor{DataType: dataType, remoteAttachment: &ref, TLP: 2}
}

// IsInline reports whether the descriptor carries inline data.
func (d ArtifactDescriptor) IsInline() bool { return d.data != nil }

// IsAttachment reports whether the descriptor carries a local attachment.
func (d ArtifactDescriptor) IsAttachment() bool { return d.attachment != nil }

// IsRemoteAttachment reports whether the descriptor points at a remote
// attachment.
func (d ArtifactDescriptor) IsRemoteAttachment() bool { return d.remoteAttachment != nil }

// Data returns the inline data, or "" if this is not an inline descriptor.
func (d ArtifactDescriptor) Data() string {
	if d.data == nil {
		return ""
	}
	return *d.data
}

// Attachment returns the local attachment, or nil.
func (d ArtifactDescriptor) Attachment() *platform.AttachmentFile { return d.attachment }

// RemoteAttachment returns the remote attachment reference, or nil.
func (d ArtifactDescriptor) RemoteAttachment() *platform.RemoteAttachment { return d.remoteAttachment }

// ToPlatformArtifact converts the descriptor to the platform.Artifact the
// collaborator stores expect.
func (d ArtifactDescriptor) ToPlatformArtifact() platform.Artifact {
	a := platform.Artifact{
		DataType:  d.DataType,
		Tags:      d.Tags,
		TLP:       d.TLP,
		Message:   d.Message,
		StartDate: d.StartDate,
	}
	switch {
	case d.data != nil:
		v := *d.data
		a.Data = &v
	case d.attachment != nil:
		af := *d.attachment
		a.Attachment = &af
	case d.remoteAttachment != nil:
		ra := *d.remoteAttachment
		a.RemoteAttachment = &ra
	}
	return a
}

// tlpFromTags extracts a tlp:<color> tag (case-insensitive), returning the
// numeric TLP level and the remaining tags with the tlp:* tag removed
// (§4.2: "they must not remain in the artifact's tag list"). ok is false
// if no tlp:* tag was present, in which case the default of 2 applies.
func tlpFromTags(tags []string) (level int, remaining []string, ok bool) {
	colors := map[string]int{"white": 0, "green": 1, "amber": 2, "red": 3}
	remaining = make([]string, 0, len(tags))
	for _, t := range tags {
		if lvl, matched := matchTLPTag(t, colors); matched {
			level = lvl
			ok = true
			continue
		}
		remaining = append(remaining, t)
	}
	return level, remaining, ok
}

func matchTLPTag(tag string, colors map[string]int) (int, bool) {
	const prefix = "tlp:"
	if len(tag) <= len(prefix) {
		return 0, false
	}
	if !equalFoldASCII(tag[:len(prefix)], prefix) {
		return 0, false
	}
	color := toLowerASCII(tag[len(prefix):])
	lvl, ok := colors[color]
	return lvl, ok
}

func equalFoldASCII(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		if toLowerByte(a[i]) != toLowerByte(b[i]) {
			return false
		}
	}
	return true
}

func toLowerASCII(s string) string {
	b := []byte(s)
	for i := range b {
		b[i] = toLowerByte(b[i])
	}
	return string(b)
}

func toLowerByte(c byte) byte {
	if c >= 'A' && c <= 'Z' {
		return c + ('a' - 'A')
	}
	return c
}
