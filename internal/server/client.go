package server

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/beaver-orchestrator/internal/plan"
)

// Client 遠端編排器客戶端，綁定一個 session
type Client struct {
	cc      grpc.ClientConnInterface
	conn    *grpc.ClientConn
	session string
}

// Dial 建立連線（insecure）
func Dial(addr, session string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	c := NewClient(conn, session)
	c.conn = conn
	return c, nil
}

// NewClient 以既有連線建立客戶端
func NewClient(cc grpc.ClientConnInterface, session string) *Client {
	return &Client{cc: cc, session: session}
}

// Close 關閉 Dial 建立的連線
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// Register 註冊一個 step，回傳 session 的待執行數
func (c *Client) Register(ctx context.Context, step plan.Step) (int, error) {
	req, err := stepToStruct(c.session, step)
	if err != nil {
		return 0, fmt.Errorf("register %s: %w", step.ID, err)
	}
	resp := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, MethodRegister, req, resp); err != nil {
		return 0, fmt.Errorf("rpc register %s failed: %w", step.ID, err)
	}
	return int(resp.GetFields()["pending"].GetNumberValue()), nil
}

// Cancel 取消一個待執行項目
func (c *Client) Cancel(ctx context.Context, id string) (int, error) {
	req, err := structpb.NewStruct(map[string]any{"session": c.session, "id": id})
	if err != nil {
		return 0, err
	}
	resp := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, MethodCancel, req, resp); err != nil {
		return 0, fmt.Errorf("rpc cancel %s failed: %w", id, err)
	}
	return int(resp.GetFields()["pending"].GetNumberValue()), nil
}

// Execute 觸發 pass，回傳以 JSON 型別表示的結果
func (c *Client) Execute(ctx context.Context) (map[string]any, error) {
	req, err := structpb.NewStruct(map[string]any{"session": c.session})
	if err != nil {
		return nil, err
	}
	resp := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, MethodExecute, req, resp); err != nil {
		return nil, fmt.Errorf("rpc execute failed: %w", err)
	}
	return resp.GetFields()["results"].GetStructValue().AsMap(), nil
}

// Status 查詢狀態；all 為 true 時回傳所有 session
func (c *Client) Status(ctx context.Context, all bool) ([]any, error) {
	fields := map[string]any{}
	if !all {
		fields["session"] = c.session
	}
	req, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, err
	}
	resp := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, MethodStatus, req, resp); err != nil {
		return nil, fmt.Errorf("rpc status failed: %w", err)
	}
	return resp.GetFields()["sessions"].GetListValue().AsSlice(), nil
}

// Submit 註冊整份 plan、處理 cancel 清單，execute 為 true 時接著執行
func (c *Client) Submit(ctx context.Context, p *plan.Plan, execute bool) (map[string]any, error) {
	for _, step := range p.Effects {
		if _, err := c.Register(ctx, step); err != nil {
			return nil, err
		}
	}
	for _, id := range p.Cancel {
		if _, err := c.Cancel(ctx, id); err != nil {
			return nil, err
		}
	}
	if !execute {
		return nil, nil
	}
	return c.Execute(ctx)
}
