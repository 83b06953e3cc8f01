package storagecheck

import (
	"context"

	"pkt.systems/hlld"
	"pkt.systems/hlld/internal/storage/disk"
)

func verifyDisk(ctx context.Context, cfg hlld.Config) (Result, error) {
	dc, err := hlld.BuildDiskConfig(cfg)
	if err != nil {
		return Result{}, err
	}
	res := Result{Provider: "disk", Path: dc.Root}
	openAndCheck(ctx, &res, "OpenRoot", func() (*disk.Store, error) { return disk.New(dc) })
	return res, nil
}
