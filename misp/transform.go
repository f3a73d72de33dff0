package misp

import (
	"fmt"
	"strings"

	"github.com/misp-sync/connector/platform"
)

// AttributeTransformer converts a MISP attribute into zero or more
// ArtifactDescriptors (§4.2).
type AttributeTransformer struct {
	instance InstanceConfig
}

// NewAttributeTransformer builds a transformer bound to instance, whose
// name and tags are merged into every emitted descriptor.
func NewAttributeTransformer(instance InstanceConfig) *AttributeTransformer {
	return &AttributeTransformer{instance: instance}
}

// mergedTags computes the §4.2 tag set: [src:<instance>] ∪
// instance.artifactTags ∪ attribute.tags, plus the MISP:type=/MISP:category=
// provenance pair every emitted artifact carries (§8 scenario S1).
func (t *AttributeTransformer) mergedTags(attr MispAttribute) []string {
	tags := make([]string, 0, len(t.instance.ArtifactTags)+len(attr.Tags)+3)
	tags = append(tags, "src:"+t.instance.Name)
	tags = append(tags, "MISP:type="+attr.Type)
	tags = append(tags, "MISP:category="+attr.Category)
	tags = append(tags, t.instance.ArtifactTags...)
	tags = append(tags, attr.TagNames()...)
	return tags
}

// Transform applies §4.2's rules to one attribute. since is the watermark
// below which attributes are dropped; nil means "no watermark" (§4.5),
// disabling delta filtering entirely.
func (t *AttributeTransformer) Transform(attr MispAttribute, since *int64) []ArtifactDescriptor {
	if since != nil && attr.Date().Unix() <= *since {
		return nil
	}

	var descriptors []ArtifactDescriptor
	switch attr.Type {
	case "attachment", "malware-sample":
		d := NewRemoteAttachmentArtifact("file", remoteAttachmentRef(attr))
		descriptors = []ArtifactDescriptor{d}
	default:
		if strings.Contains(attr.Type, "|") {
			descriptors = t.transformComposite(attr)
		} else {
			descriptors = []ArtifactDescriptor{NewInlineArtifact(ToDataType(attr.Type), attr.Value)}
		}
	}

	tags := t.mergedTags(attr)
	for i := range descriptors {
		t.applyTagsAndTLP(&descriptors[i], tags)
	}
	return descriptors
}

func remoteAttachmentRef(attr MispAttribute) platform.RemoteAttachment {
	return platform.RemoteAttachment{
		Filename:  attr.Value,
		Reference: attr.ID,
		Type:      attr.Type,
	}
}

// transformComposite implements the "filename|md5"-style expansion of
// §4.2: the type and value are split on "|" pairwise, the shorter side
// padded with "noType"/"noValue", one descriptor per pair, and every
// emitted message carries the full composite summary.
func (t *AttributeTransformer) transformComposite(attr MispAttribute) []ArtifactDescriptor {
	types := strings.Split(attr.Type, "|")
	values := strings.Split(attr.Value, "|")
	n := len(types)
	if len(values) > n {
		n = len(values)
	}

	pairType := func(i int) string {
		if i < len(types) {
			return types[i]
		}
		return "noType"
	}
	pairValue := func(i int) string {
		if i < len(values) {
			return values[i]
		}
		return "noValue"
	}

	summary := make([]string, 0, n)
	for i := 0; i < n; i++ {
		summary = append(summary, fmt.Sprintf("%s: %s", pairType(i), pairValue(i)))
	}
	message := strings.Join(summary, "\n")

	descriptors := make([]ArtifactDescriptor, 0, n)
	for i := 0; i < n; i++ {
		d := NewInlineArtifact(ToDataType(pairType(i)), pairValue(i))
		d.Message = message
		descriptors = append(descriptors, d)
	}
	return descriptors
}

// applyTagsAndTLP assigns the merged tag set, extracting any tlp:* tag to
// override the default TLP of 2 (§4.2).
func (t *AttributeTransformer) applyTagsAndTLP(d *ArtifactDescriptor, tags []string) {
	level, remaining, ok := tlpFromTags(tags)
	d.Tags = remaining
	if ok {
		d.TLP = level
	} else {
		d.TLP = 2
	}
}
