package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/pccr10001/rtcall/internal/calling"
	"github.com/pccr10001/rtcall/internal/media"
	"github.com/pccr10001/rtcall/internal/model"
	"github.com/pccr10001/rtcall/internal/repository"
)

type callState struct {
	Call *calling.CallSession `json:"call"`
}

type startCallInput struct {
	ParticipantID  string `json:"participant_id" jsonschema:"user id of the person to call"`
	DisplayName    string `json:"display_name,omitempty" jsonschema:"name shown for the callee"`
	ConversationID string `json:"conversation_id,omitempty" jsonschema:"conversation the call belongs to"`
	Video          bool   `json:"video,omitempty" jsonschema:"start a video call instead of audio only"`
}

type toggleInput struct {
	Enabled bool `json:"enabled" jsonschema:"true to send the track, false to mute it"`
}

type listCallsInput struct {
	PeerID     string `json:"peer_id,omitempty" jsonschema:"only calls with this user"`
	MissedOnly bool   `json:"missed_only,omitempty" jsonschema:"only missed incoming calls"`
	Limit      int    `json:"limit,omitempty" jsonschema:"maximum number of calls, default 20"`
}

type callList struct {
	Calls []model.CallRecord `json:"calls"`
	Total int64              `json:"total"`
}

// NewMCPServer exposes call control as MCP tools.
func NewMCPServer(calls CallController, history CallHistory) *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{Name: "rtcall", Version: "1.0.0"}, nil)

	current := func() callState {
		if s, ok := calls.Current(); ok {
			return callState{Call: &s}
		}
		return callState{}
	}
	action := func(op func(context.Context) error) mcp.ToolHandlerFor[struct{}, callState] {
		return func(ctx context.Context, _ *mcp.CallToolRequest, _ struct{}) (*mcp.CallToolResult, callState, error) {
			if err := op(ctx); err != nil {
				return nil, callState{}, errors.New(calling.UserMessage(err))
			}
			return nil, current(), nil
		}
	}
	toggle := func(op func(context.Context, bool) error) mcp.ToolHandlerFor[toggleInput, callState] {
		return func(ctx context.Context, _ *mcp.CallToolRequest, in toggleInput) (*mcp.CallToolResult, callState, error) {
			if err := op(ctx, in.Enabled); err != nil {
				return nil, callState{}, errors.New(calling.UserMessage(err))
			}
			return nil, current(), nil
		}
	}

	mcp.AddTool(server, &mcp.Tool{Name: "get_call", Description: "Show the active call, if any."},
		func(context.Context, *mcp.CallToolRequest, struct{}) (*mcp.CallToolResult, callState, error) {
			return nil, current(), nil
		})
	mcp.AddTool(server, &mcp.Tool{Name: "start_call", Description: "Call another user."},
		func(ctx context.Context, _ *mcp.CallToolRequest, in startCallInput) (*mcp.CallToolResult, callState, error) {
			if in.ParticipantID == "" {
				return nil, callState{}, errors.New("participant_id is required")
			}
			mode := media.ModeAudio
			if in.Video {
				mode = media.ModeVideo
			}
			to := calling.Participant{ID: in.ParticipantID, DisplayName: in.DisplayName}
			s, err := calls.StartCall(ctx, in.ConversationID, to, mode)
			if err != nil {
				return nil, callState{}, errors.New(calling.UserMessage(err))
			}
			return nil, callState{Call: &s}, nil
		})
	mcp.AddTool(server, &mcp.Tool{Name: "accept_call", Description: "Answer the ringing incoming call."}, action(calls.AcceptCall))
	mcp.AddTool(server, &mcp.Tool{Name: "reject_call", Description: "Decline the incoming call or cancel the outgoing one."}, action(calls.RejectCall))
	mcp.AddTool(server, &mcp.Tool{Name: "end_call", Description: "Hang up."}, action(calls.EndCall))
	mcp.AddTool(server, &mcp.Tool{Name: "toggle_audio", Description: "Mute or unmute the microphone."}, toggle(calls.ToggleAudio))
	mcp.AddTool(server, &mcp.Tool{Name: "toggle_video", Description: "Turn the camera on or off."}, toggle(calls.ToggleVideo))
	mcp.AddTool(server, &mcp.Tool{Name: "list_calls", Description: "List finished calls, newest first."},
		func(_ context.Context, _ *mcp.CallToolRequest, in listCallsInput) (*mcp.CallToolResult, callList, error) {
			limit := in.Limit
			if limit <= 0 {
				limit = 20
			}
			list, total, err := history.ListCalls(repository.CallFilter{
				PeerID:     in.PeerID,
				MissedOnly: in.MissedOnly,
				Page:       1,
				Limit:      limit,
			})
			if err != nil {
				return nil, callList{}, err
			}
			if list == nil {
				list = []model.CallRecord{}
			}
			return nil, callList{Calls: list, Total: total}, nil
		})
	return server
}

// MCPHandler serves server over streamable HTTP.
func MCPHandler(server *mcp.Server) http.Handler {
	return mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return server }, nil)
}
