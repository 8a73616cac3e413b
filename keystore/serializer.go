package keystore

import (
	"sort"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/vaultsync-io/vaultsync/codec"
)

// Field numbers of the cloud entries payload.
//
//	message Entries { repeated Entry entries = 1; }
//	message Entry {
//	  string name = 1;
//	  bytes data = 2;
//	  int64 creation_ms = 3;
//	  int64 modification_ms = 4;
//	  repeated MetaPair meta = 5;
//	}
//	message MetaPair { string key = 1; string value = 2; }
const (
	fieldEntries protowire.Number = 1

	fieldName           protowire.Number = 1
	fieldData           protowire.Number = 2
	fieldCreationMs     protowire.Number = 3
	fieldModificationMs protowire.Number = 4
	fieldMeta           protowire.Number = 5

	fieldMetaKey   protowire.Number = 1
	fieldMetaValue protowire.Number = 2
)

// SerializeEntries encodes entries as the cloud blob value. The output only
// depends on the map's contents.
func SerializeEntries(entries map[string]CloudEntry) ([]byte, error) {
	names := make([]string, 0, len(entries))
	for name, e := range entries {
		if name != e.Name {
			return nil, errors.Wrapf(ErrInvalidFormat, "key %q holds entry %q", name, e.Name)
		}
		names = append(names, name)
	}
	sort.Strings(names)

	var payload []byte
	for _, name := range names {
		payload = protowire.AppendTag(payload, fieldEntries, protowire.BytesType)
		payload = protowire.AppendBytes(payload, appendEntry(nil, entries[name]))
	}
	return codec.MarshalEnvelope(payload, codec.MsgTypeCloudEntries), nil
}

func appendEntry(b []byte, e CloudEntry) []byte {
	b = protowire.AppendTag(b, fieldName, protowire.BytesType)
	b = protowire.AppendString(b, e.Name)
	if len(e.Data) > 0 {
		b = protowire.AppendTag(b, fieldData, protowire.BytesType)
		b = protowire.AppendBytes(b, e.Data)
	}
	b = protowire.AppendTag(b, fieldCreationMs, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.CreationDate.UnixMilli()))
	b = protowire.AppendTag(b, fieldModificationMs, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.ModificationDate.UnixMilli()))

	keys := make([]string, 0, len(e.Meta))
	for k := range e.Meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		var pair []byte
		pair = protowire.AppendTag(pair, fieldMetaKey, protowire.BytesType)
		pair = protowire.AppendString(pair, k)
		pair = protowire.AppendTag(pair, fieldMetaValue, protowire.BytesType)
		pair = protowire.AppendString(pair, e.Meta[k])
		b = protowire.AppendTag(b, fieldMeta, protowire.BytesType)
		b = protowire.AppendBytes(b, pair)
	}
	return b
}

// DeserializeEntries decodes a cloud blob value. An empty value is an empty
// map.
func DeserializeEntries(data []byte) (map[string]CloudEntry, error) {
	entries := make(map[string]CloudEntry)
	if len(data) == 0 {
		return entries, nil
	}
	payload, err := codec.UnmarshalEnvelope(data, codec.MsgTypeCloudEntries)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidFormat, err.Error())
	}
	err = consumeFields(payload, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != fieldEntries || typ != protowire.BytesType {
			return skipField, nil
		}
		raw, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return n, nil
		}
		e, err := consumeEntry(raw)
		if err != nil {
			return 0, err
		}
		if _, ok := entries[e.Name]; ok {
			return 0, errors.Wrapf(ErrInvalidFormat, "duplicate entry %q", e.Name)
		}
		entries[e.Name] = e
		return n, nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func consumeEntry(b []byte) (CloudEntry, error) {
	var (
		e        CloudEntry
		created  int64
		modified int64
		haveName bool
	)
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == fieldName && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			e.Name, haveName = v, true
			return n, nil
		case num == fieldData && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			e.Data = append([]byte(nil), v...)
			return n, nil
		case num == fieldCreationMs && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			created = int64(v)
			return n, nil
		case num == fieldModificationMs && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			modified = int64(v)
			return n, nil
		case num == fieldMeta && typ == protowire.BytesType:
			raw, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			k, v, err := consumeMetaPair(raw)
			if err != nil {
				return 0, err
			}
			if e.Meta == nil {
				e.Meta = make(map[string]string)
			}
			e.Meta[k] = v
			return n, nil
		}
		return skipField, nil
	})
	if err != nil {
		return CloudEntry{}, err
	}
	if !haveName || e.Name == "" {
		return CloudEntry{}, errors.Wrap(ErrInvalidFormat, "entry without name")
	}
	e.CreationDate = fromMillis(created)
	e.ModificationDate = fromMillis(modified)
	return e, nil
}

func consumeMetaPair(b []byte) (key, value string, err error) {
	err = consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ != protowire.BytesType {
			return skipField, nil
		}
		switch num {
		case fieldMetaKey:
			v, n := protowire.ConsumeString(b)
			key = v
			return n, nil
		case fieldMetaValue:
			v, n := protowire.ConsumeString(b)
			value = v
			return n, nil
		}
		return skipField, nil
	})
	return key, value, err
}

// skipField tells consumeFields to skip a field fn does not know. Every
// known field consumes at least one byte.
const skipField = 0

// consumeFields walks the fields of a message. fn returns the number of
// bytes it consumed, skipField, or a negative protowire error code.
func consumeFields(b []byte, fn func(protowire.Number, protowire.Type, []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return errors.Wrap(ErrInvalidFormat, protowire.ParseError(n).Error())
		}
		b = b[n:]
		m, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if m == skipField {
			m = protowire.ConsumeFieldValue(num, typ, b)
		}
		if m < 0 {
			return errors.Wrap(ErrInvalidFormat, protowire.ParseError(m).Error())
		}
		b = b[m:]
	}
	return nil
}
