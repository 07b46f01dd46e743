// SPDX-FileCopyrightText: 2023 The PlayHouse Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package cluster

import (
	"bytes"
	"fmt"
	"io"

	"github.com/dtn7/cboring"
)

// Announcement is the multicast self-description of a node: who it is and
// where its mesh listener can be reached.
type Announcement struct {
	NodeId    string
	Type      NodeType
	ServiceId uint16
	Port      uint
	Weight    int
}

// UnmarshalAnnouncements creates an array of Announcements from a CBOR byte
// string.
func UnmarshalAnnouncements(data []byte) (announcements []Announcement, err error) {
	buff := bytes.NewBuffer(data)

	if l, cErr := cboring.ReadArrayLength(buff); cErr != nil {
		err = cErr
		return
	} else {
		announcements = make([]Announcement, l)
	}

	for i := 0; i < len(announcements); i++ {
		if cErr := cboring.Unmarshal(&announcements[i], buff); cErr != nil {
			err = fmt.Errorf("unmarshalling Announcement %d failed: %w", i, cErr)
			return
		}
	}

	return
}

// MarshalAnnouncements into a CBOR byte string.
func MarshalAnnouncements(announcements []Announcement) (data []byte, err error) {
	buff := new(bytes.Buffer)

	if cErr := cboring.WriteArrayLength(uint64(len(announcements)), buff); cErr != nil {
		err = cErr
		return
	}

	for i := range announcements {
		announcement := announcements[i]
		if cErr := cboring.Marshal(&announcement, buff); cErr != nil {
			err = fmt.Errorf("marshalling Announcement %d (%v) failed: %w", i, announcement, cErr)
			return
		}
	}

	data = buff.Bytes()
	return
}

// MarshalCbor creates the CBOR representation of an Announcement.
func (announcement *Announcement) MarshalCbor(w io.Writer) error {
	if err := cboring.WriteArrayLength(5, w); err != nil {
		return err
	}

	if err := cboring.WriteTextString(announcement.NodeId, w); err != nil {
		return err
	}

	fields := []uint64{
		uint64(announcement.Type),
		uint64(announcement.ServiceId),
		uint64(announcement.Port),
		uint64(announcement.Weight),
	}
	for _, field := range fields {
		if err := cboring.WriteUInt(field, w); err != nil {
			return err
		}
	}

	return nil
}

// UnmarshalCbor creates an Announcement from its CBOR representation.
func (announcement *Announcement) UnmarshalCbor(r io.Reader) error {
	if l, err := cboring.ReadArrayLength(r); err != nil {
		return err
	} else if l != 5 {
		return fmt.Errorf("wrong array length: %d instead of 5", l)
	}

	var err error
	if announcement.NodeId, err = cboring.ReadTextString(r); err != nil {
		return err
	}

	fields := make([]uint64, 4)
	for i := range fields {
		if fields[i], err = cboring.ReadUInt(r); err != nil {
			return err
		}
	}

	if nodeType := NodeType(fields[0]); nodeType.CheckValid() != nil {
		return nodeType.CheckValid()
	} else {
		announcement.Type = nodeType
	}
	announcement.ServiceId = uint16(fields[1])
	announcement.Port = uint(fields[2])
	announcement.Weight = int(fields[3])

	return nil
}

func (announcement Announcement) String() string {
	return fmt.Sprintf("Announcement(%s,%v,%d,%d)",
		announcement.NodeId, announcement.Type, announcement.ServiceId, announcement.Port)
}
