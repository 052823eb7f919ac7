//go:build protogen

package directory

import (
	"context"
	"time"

	"github.com/pawdesk/pawdesk/libs/grpcx"
	directoryv1 "github.com/pawdesk/pawdesk/protos/gen/directory/v1"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type grpcProvider struct {
	client directoryv1.DirectoryServiceClient
}

func NewProvider(addr string) (Provider, error) {
	if addr == "" {
		return nil, nil
	}
	conn, err := grpcx.Dial(context.Background(), addr, grpcx.DialOptions{Timeout: 3 * time.Second})
	if err != nil {
		return nil, err
	}
	return &grpcProvider{client: directoryv1.NewDirectoryServiceClient(conn)}, nil
}

func (p *grpcProvider) OwnerOf(ctx context.Context, petID string) (string, error) {
	resp, err := p.client.GetPet(ctx, &directoryv1.PetRequest{PetId: petID})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return "", ErrUnknownPet
		}
		return "", err
	}
	return resp.GetClientId(), nil
}
