package gridftp

import (
	"fmt"

	"github.com/marmos91/gridftp/internal/protocol/ftp"
)

// ByteRange is a half-open range [Start, End) of file offsets.
type ByteRange struct {
	Start, End int64
}

// RestartMarker lists the ranges already transferred by an interrupted
// transfer. Restarting is not supported; passing one fails with
// ErrInvalidArgument.
type RestartMarker struct {
	Ranges []ByteRange
}

// ThirdPartyTransfer makes the server at src send the file directly to
// the server at dst. The client only drives the two control channels;
// performance markers come from the servers.
func (c *Client) ThirdPartyTransfer(src string, srcAttr *OperationAttr, dst string, dstAttr *OperationAttr, restart *RestartMarker, done CompleteFunc) (*Operation, error) {
	if srcAttr == nil || dstAttr == nil {
		return nil, ErrMissingAttributes
	}
	if restart != nil {
		return nil, fmt.Errorf("%w: restart markers are not supported", ErrInvalidArgument)
	}
	su, err := ParseURL(src)
	if err != nil {
		return nil, err
	}
	du, err := ParseURL(dst)
	if err != nil {
		return nil, err
	}
	if srcAttr.Mode() != dstAttr.Mode() {
		return nil, fmt.Errorf("%w: source and destination modes differ (%s, %s)", ErrConfig, srcAttr.Mode(), dstAttr.Mode())
	}

	spec := opSpec{
		kind:    "third_party",
		url:     su.String(),
		src:     su.String(),
		dst:     du.String(),
		plugins: true,
	}
	return c.issue(spec, []*OperationAttr{srcAttr, dstAttr}, done, func(op *Operation) error {
		return op.thirdParty(su, op.settingsFor(0), du, op.settingsFor(1))
	})
}

// thirdParty puts the destination in passive mode, points the source at
// it, then starts STOR before RETR and waits for both to complete.
func (op *Operation) thirdParty(su *URL, srcSt opSettings, du *URL, dstSt opSettings) error {
	ctx := op.dataCtx

	ss, err := op.session(su)
	if err != nil {
		return err
	}
	if err := ss.configure(ctx, srcSt); err != nil {
		return err
	}
	ds, err := op.session(du)
	if err != nil {
		return err
	}
	if err := ds.configure(ctx, dstSt); err != nil {
		return err
	}

	striped := dstSt.mode == ModeExtendedBlock && dstSt.striped
	addrs, err := op.passiveAddrs(ctx, ds, striped)
	if err != nil {
		return err
	}

	var cmd string
	if len(addrs) > 1 {
		cmd, err = ftp.SporCommand(addrs)
	} else {
		cmd, err = ftp.PortCommand(addrs[0])
	}
	if err != nil {
		return err
	}
	if _, err := ss.conn.Expect(ctx, 2, "%s", cmd); err != nil {
		return err
	}

	if err := op.startTransfer(ds, "STOR %s", du.Path); err != nil {
		return err
	}
	if err := op.startTransfer(ss, "RETR %s", su.Path); err != nil {
		return err
	}
	return op.transfer(nil, ds, ss)
}
