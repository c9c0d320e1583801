package connection

import (
	"fmt"

	"egfet-controls/internal/config"
	"egfet-controls/internal/device"
	"egfet-controls/internal/types"
)

// Strategy 定义连接策略接口
// 连接策略负责把逻辑单元映射为多路复用器的通道接通动作，并在任何硬件动作之前
// 校验配置中引用的通道都存在于声明的拓扑中
type Strategy interface {
	ConnectCell(cellName string) error
	DisconnectCell(cellName string) error
	Validate() error
}

// ForTopology 根据多路复用器拓扑选择连接策略
// Dual 64x1 拓扑保留了每单元的外部参考通道，Quad 32x1 使用片上共享参考
func ForTopology(cfg *config.Config, mux device.Multiplexer) (Strategy, error) {
	switch cfg.MuxTopology {
	case "2524/1-Wire Dual 64x1 Mux":
		return &MultiExternalReferenceStrategy{cfg: cfg, mux: mux}, nil
	case "2524/1-Wire Quad 32x1 Mux":
		return &OnChipStrategy{cfg: cfg, mux: mux}, nil
	default:
		return nil, fmt.Errorf("拓扑 %s 没有定义连接策略", cfg.MuxTopology)
	}
}

// validateMapping 检查映射中的每个通道是否都能在声明的拓扑中解析
// 校验失败属于配置错误，必须在接触硬件之前暴露
func validateMapping(cfg *config.Config, mapping map[string]types.ChannelID, kind string) error {
	channels := device.TopologyChannels(cfg.MuxTopology)
	if channels == nil {
		return fmt.Errorf("无效的多路复用器拓扑: %s", cfg.MuxTopology)
	}
	valid := make(map[types.ChannelID]bool, len(channels))
	for _, ch := range channels {
		valid[ch] = true
	}
	for _, name := range cfg.CellNames {
		ch, ok := mapping[name]
		if !ok {
			return fmt.Errorf("单元 %s 缺少%s映射", name, kind)
		}
		if !valid[ch] {
			return fmt.Errorf("单元 %s 的%s %s 不在拓扑 %s 中", name, kind, ch, cfg.MuxTopology)
		}
	}
	return nil
}

// OnChipStrategy 片上参考策略
// 栅极/漏极经片上共享参考直连，每次只接通目标单元自身的通道
type OnChipStrategy struct {
	cfg *config.Config
	mux device.Multiplexer
}

func (s *OnChipStrategy) Validate() error {
	return validateMapping(s.cfg, s.cfg.CellChannelMapping, "通道")
}

func (s *OnChipStrategy) ConnectCell(cellName string) error {
	ch, ok := s.cfg.CellChannelMapping[cellName]
	if !ok {
		return fmt.Errorf("未知单元: %s", cellName)
	}
	return s.mux.Connect(ch)
}

func (s *OnChipStrategy) DisconnectCell(cellName string) error {
	ch, ok := s.cfg.CellChannelMapping[cellName]
	if !ok {
		return fmt.Errorf("未知单元: %s", cellName)
	}
	return s.mux.Disconnect(ch)
}

// MultiExternalReferenceStrategy 外部参考策略
// 在目标单元通道之外同时接通该单元的外部参考通道
// 接通前先断开之前的连接，保证任意时刻至多一条有效接线
type MultiExternalReferenceStrategy struct {
	cfg *config.Config
	mux device.Multiplexer

	active string // 当前接通的单元，空表示无
}

func (s *MultiExternalReferenceStrategy) Validate() error {
	if err := validateMapping(s.cfg, s.cfg.CellChannelMapping, "通道"); err != nil {
		return err
	}
	return validateMapping(s.cfg, s.cfg.ReferenceChannelMapping, "参考通道")
}

func (s *MultiExternalReferenceStrategy) channels(cellName string) (cell, ref types.ChannelID, err error) {
	cell, ok := s.cfg.CellChannelMapping[cellName]
	if !ok {
		return "", "", fmt.Errorf("未知单元: %s", cellName)
	}
	ref, ok = s.cfg.ReferenceChannelMapping[cellName]
	if !ok {
		return "", "", fmt.Errorf("单元 %s 缺少参考通道映射", cellName)
	}
	return cell, ref, nil
}

func (s *MultiExternalReferenceStrategy) ConnectCell(cellName string) error {
	cell, ref, err := s.channels(cellName)
	if err != nil {
		return err
	}
	// 不变式：至多一条有效接线，先断开之前接通的单元
	if s.active != "" && s.active != cellName {
		if err := s.DisconnectCell(s.active); err != nil {
			return err
		}
	}
	if err := s.mux.Connect(cell); err != nil {
		return err
	}
	if err := s.mux.Connect(ref); err != nil {
		return err
	}
	s.active = cellName
	return nil
}

func (s *MultiExternalReferenceStrategy) DisconnectCell(cellName string) error {
	cell, ref, err := s.channels(cellName)
	if err != nil {
		return err
	}
	if err := s.mux.Disconnect(cell); err != nil {
		return err
	}
	if err := s.mux.Disconnect(ref); err != nil {
		return err
	}
	if s.active == cellName {
		s.active = ""
	}
	return nil
}
