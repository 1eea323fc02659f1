package backup

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// docBuilder applies sjson edits to a document and keeps the first error.
type docBuilder struct {
	json string
	err  error
}

func newDocBuilder(doc string) *docBuilder {
	if strings.TrimSpace(doc) == "" {
		doc = `{}`
	}
	return &docBuilder{json: doc}
}

func (b *docBuilder) set(path string, value interface{}) {
	if b.err == nil {
		b.json, b.err = sjson.Set(b.json, path, value)
	}
}

func (b *docBuilder) setRaw(path, raw string) {
	if b.err == nil {
		b.json, b.err = sjson.SetRaw(b.json, path, raw)
	}
}

func (b *docBuilder) delete(path string) {
	if b.err == nil && gjson.Get(b.json, path).Exists() {
		b.json, b.err = sjson.Delete(b.json, path)
	}
}

// setString writes a string field, leaving the existing JSON value alone when
// it already renders to the same string, and drops the key when value is empty.
func (b *docBuilder) setString(path, value string) {
	if value == "" {
		b.delete(path)
		return
	}
	if cur := gjson.Get(b.json, path); cur.Exists() && cur.String() == value {
		return
	}
	b.set(path, value)
}

func (b *docBuilder) setSize(path string, value *uint64) {
	if value == nil {
		b.delete(path)
		return
	}
	b.set(path, *value)
}

// ParsePartitions decodes the partitions list of a partitions.json document.
// A document without a partitions key describes no partitions.
func ParsePartitions(doc []byte) ([]PartitionDescriptor, error) {
	if len(strings.TrimSpace(string(doc))) == 0 {
		return nil, nil
	}
	if !gjson.ValidBytes(doc) {
		return nil, fmt.Errorf("%w: partitions.json is not valid JSON", ErrMalformedDocument)
	}
	list := gjson.GetBytes(doc, "partitions")
	if !list.Exists() {
		return nil, nil
	}
	if !list.IsArray() {
		return nil, fmt.Errorf("%w: partitions is not a list", ErrMalformedDocument)
	}

	var parts []PartitionDescriptor
	for i, entry := range list.Array() {
		if !entry.IsObject() {
			return nil, fmt.Errorf("%w: partitions[%d] is not an object", ErrMalformedDocument, i)
		}
		parts = append(parts, decodePartition(entry))
	}
	return parts, nil
}

func decodePartition(v gjson.Result) PartitionDescriptor {
	p := PartitionDescriptor{
		FilesystemType: v.Get("filesystem_type").String(),
		Label:          v.Get("label").String(),
		WantMaximised:  v.Get("want_maximised").String(),
		MkfsOptions:    v.Get("mkfs_options").String(),
		Tarball:        v.Get("tarball").String(),
		EmptyFS:        v.Get("empty_fs").Bool(),
		raw:            v.Raw,
	}
	if s := v.Get("uncompressed_tarball_size"); s.Exists() {
		n := s.Uint()
		p.UncompressedTarballSize = &n
	}
	if s := v.Get("partition_size_nominal"); s.Exists() {
		n := s.Uint()
		p.PartitionSizeNominal = &n
	}
	return p
}

// BuildPartitionJSON returns the JSON object for one descriptor.
func BuildPartitionJSON(p PartitionDescriptor) (string, error) {
	b := newDocBuilder(p.raw)
	b.setString("filesystem_type", p.FilesystemType)
	b.setString("label", p.Label)
	b.setString("want_maximised", p.WantMaximised)
	b.setString("mkfs_options", p.MkfsOptions)
	b.setSize("uncompressed_tarball_size", p.UncompressedTarballSize)
	b.setSize("partition_size_nominal", p.PartitionSizeNominal)
	b.setString("tarball", p.Tarball)
	if p.EmptyFS {
		b.set("empty_fs", true)
	} else {
		b.delete("empty_fs")
	}
	if b.err != nil {
		return "", fmt.Errorf("encode partition %q: %w", p.Label, b.err)
	}
	return b.json, nil
}

// BuildPartitionsJSON replaces the partitions list of doc with parts. Other
// top-level keys of doc are kept.
func BuildPartitionsJSON(doc []byte, parts []PartitionDescriptor) ([]byte, error) {
	if len(parts) == 0 && !gjson.GetBytes(doc, "partitions").Exists() {
		return doc, nil
	}
	encoded := make([]string, 0, len(parts))
	for _, p := range parts {
		obj, err := BuildPartitionJSON(p)
		if err != nil {
			return nil, err
		}
		encoded = append(encoded, obj)
	}

	b := newDocBuilder(string(doc))
	b.setRaw("partitions", "["+strings.Join(encoded, ",")+"]")
	if b.err != nil {
		return nil, fmt.Errorf("encode partitions.json: %w", b.err)
	}
	return []byte(b.json), nil
}

// ParseOsDescriptor decodes an os.json document.
func ParseOsDescriptor(doc []byte) (OsDescriptor, error) {
	if len(strings.TrimSpace(string(doc))) == 0 {
		return OsDescriptor{}, nil
	}
	if !gjson.ValidBytes(doc) {
		return OsDescriptor{}, fmt.Errorf("%w: os.json is not valid JSON", ErrMalformedDocument)
	}
	v := gjson.ParseBytes(doc)
	if !v.IsObject() {
		return OsDescriptor{}, fmt.Errorf("%w: os.json is not an object", ErrMalformedDocument)
	}
	return OsDescriptor{
		Name:         v.Get("name").String(),
		Description:  v.Get("description").String(),
		Group:        v.Get("group").String(),
		Password:     v.Get("password").String(),
		ReleaseDate:  v.Get("release_date").String(),
		Username:     v.Get("username").String(),
		DownloadSize: v.Get("download_size").Int(),
		Icon:         v.Get("icon").String(),
	}, nil
}

// BuildOsJSON rewrites an os.json document so it advertises a backup: the
// identity values of req are copied in, download_size is set and the icon is
// dropped so the backup shows the default one.
func BuildOsJSON(doc []byte, req Request, downloadSize int64) ([]byte, error) {
	if len(strings.TrimSpace(string(doc))) != 0 && !gjson.ValidBytes(doc) {
		return nil, fmt.Errorf("%w: os.json is not valid JSON", ErrMalformedDocument)
	}
	b := newDocBuilder(string(doc))
	for _, kv := range req.identity() {
		if kv[1] != "" {
			b.set(kv[0], kv[1])
		}
	}
	b.set("download_size", downloadSize)
	b.delete("icon")
	if b.err != nil {
		return nil, fmt.Errorf("encode os.json: %w", b.err)
	}
	return []byte(b.json), nil
}
