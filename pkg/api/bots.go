package api

import (
	"context"

	rwpb "google.golang.org/genproto/googleapis/devtools/remoteworkers/v1test2"

	"github.com/buildhive/buildhive/pkg/errdefs"
)

// botsService registers workers and hands them leases, routed by the
// parent instance name carried in session names.
type botsService struct {
	rwpb.UnimplementedBotsServer
	server *Server
}

func (s *botsService) CreateBotSession(ctx context.Context, req *rwpb.CreateBotSessionRequest) (*rwpb.BotSession, error) {
	inst, err := s.server.botsInstance(req.Parent)
	if err != nil {
		return nil, errdefs.ToStatus(err)
	}
	session, err := inst.CreateBotSession(req.Parent, req.BotSession)
	if err != nil {
		return nil, errdefs.ToStatus(err)
	}
	return session, nil
}

func (s *botsService) UpdateBotSession(ctx context.Context, req *rwpb.UpdateBotSessionRequest) (*rwpb.BotSession, error) {
	// Session names are parent/uuid; route on the parent half.
	inst, err := s.server.botsInstance(sessionParent(req.Name))
	if err != nil {
		return nil, errdefs.ToStatus(err)
	}
	session, err := inst.UpdateBotSession(req.Name, req.BotSession)
	if err != nil {
		return nil, errdefs.ToStatus(err)
	}
	return session, nil
}

func sessionParent(name string) string {
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '/' {
			return name[:i]
		}
	}
	return name
}
