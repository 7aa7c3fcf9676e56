package main

import (
	"context"

	"github.com/meow-io/go-obvsync/ids"
	"go.uber.org/zap"
)

// offlineNetwork stands in for the server fetch layer when the CLI works on a database alone.
type offlineNetwork struct {
	log *zap.SugaredLogger
}

func (n *offlineNetwork) UpdateOwnedIdentities(ctx context.Context, owned []ids.Identity) {
	n.log.Infof("offline, not pushing %d owned identities", len(owned))
}

func (n *offlineNetwork) ResetServerSession(owned ids.Identity) error {
	n.log.Infof("offline, not resetting server session of %s", owned)
	return nil
}

func (n *offlineNetwork) DownloadAllUserData(ctx context.Context) error {
	n.log.Infof("offline, not downloading user data")
	return nil
}
