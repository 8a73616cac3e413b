package localvault

import (
	"time"

	"github.com/pkg/errors"

	"github.com/vaultsync-io/vaultsync/codec"
)

const recordFormatV0 = 0

// record is the on-disk form of an Entry.
type record struct {
	entry *Entry
}

func (r *record) Encode(e codec.PacketEncoder) error {
	e.PutInt8(recordFormatV0)
	if err := e.PutString(r.entry.Name); err != nil {
		return err
	}
	if err := e.PutBytes(r.entry.Data); err != nil {
		return err
	}
	if err := e.PutStringMap(r.entry.Meta); err != nil {
		return err
	}
	e.PutInt64(r.entry.CreationDate.UnixMilli())
	e.PutInt64(r.entry.ModificationDate.UnixMilli())
	return nil
}

func (r *record) Decode(d codec.PacketDecoder) error {
	version, err := d.GetInt8()
	if err != nil {
		return err
	}
	if version != recordFormatV0 {
		return errors.Errorf("unknown local record format %d", version)
	}
	e := new(Entry)
	if e.Name, err = d.GetString(); err != nil {
		return err
	}
	if e.Data, err = d.GetBytes(); err != nil {
		return err
	}
	if e.Meta, err = d.GetStringMap(); err != nil {
		return err
	}
	e.Meta = copyMeta(e.Meta)
	created, err := d.GetInt64()
	if err != nil {
		return err
	}
	modified, err := d.GetInt64()
	if err != nil {
		return err
	}
	e.CreationDate = time.UnixMilli(created).UTC()
	e.ModificationDate = time.UnixMilli(modified).UTC()
	r.entry = e
	return nil
}

func marshalEntry(e *Entry) ([]byte, error) {
	return codec.Marshal(&record{entry: e}, codec.MsgTypeLocalRecord)
}

func unmarshalEntry(data []byte) (*Entry, error) {
	r := new(record)
	if err := codec.Unmarshal(data, r, codec.MsgTypeLocalRecord); err != nil {
		return nil, errors.Wrap(err, "corrupt local record")
	}
	return r.entry, nil
}
