package agent

import (
	"ChainProbe/internal/conversation"
	"ChainProbe/internal/llm"
)

// Team 按角色索引四个智能体。
type Team map[conversation.AgentName]*Agent

// NewTeam 使用同一个补全客户端和工具目录构造全部角色。
func NewTeam(client llm.Client, catalog Catalog, opts ...Option) (Team, error) {
	team := make(Team, len(Roles))
	for _, name := range Roles {
		a, err := New(name, client, catalog, opts...)
		if err != nil {
			return nil, err
		}
		team[name] = a
	}
	return team, nil
}
