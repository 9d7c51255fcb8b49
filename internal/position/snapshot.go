package position

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// 快照版本号；低版本加载高版本文件时保留未知字段原样回写。
const snapshotVersion = 1

// SnapshotFile 负责仓位表的落盘快照：先写临时文件并 fsync，再原子重命名。
// 损坏/截断的快照在加载时直接报错，绝不猜测性恢复。
type SnapshotFile struct {
	path string
	// 加载时遇到的未知顶层字段，保存时原样带回（容忍版本偏差）。
	extra map[string]json.RawMessage
}

// NewSnapshotFile 创建快照文件句柄（不做 IO）。
func NewSnapshotFile(path string) *SnapshotFile {
	return &SnapshotFile{path: path, extra: map[string]json.RawMessage{}}
}

// Path 返回快照路径。
func (f *SnapshotFile) Path() string { return f.path }

type snapshotBody struct {
	Version int               `json:"version"`
	SavedAt time.Time         `json:"saved_at"`
	Open    []*PositionRecord `json:"open"`
	Closed  []*PositionRecord `json:"closed"`
}

// Save 原子写入快照：临时文件 → fsync → rename。
func (f *SnapshotFile) Save(open, closed []*PositionRecord) error {
	doc := map[string]json.RawMessage{}
	for k, v := range f.extra {
		doc[k] = v
	}
	body := snapshotBody{Version: snapshotVersion, SavedAt: time.Now().UTC(), Open: open, Closed: closed}
	if err := mergeKnown(doc, body); err != nil {
		return err
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化快照失败: %w", err)
	}
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("创建快照目录失败: %w", err)
	}
	tmp := f.path + ".tmp"
	file, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("打开临时快照失败: %w", err)
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(tmp)
		return fmt.Errorf("写入临时快照失败: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tmp)
		return fmt.Errorf("fsync 临时快照失败: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("关闭临时快照失败: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("快照重命名失败: %w", err)
	}
	return nil
}

func mergeKnown(doc map[string]json.RawMessage, body snapshotBody) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("序列化快照失败: %w", err)
	}
	var known map[string]json.RawMessage
	if err := json.Unmarshal(buf, &known); err != nil {
		return fmt.Errorf("序列化快照失败: %w", err)
	}
	for k, v := range known {
		doc[k] = v
	}
	return nil
}

// Load 加载快照。文件不存在返回空表；解析失败视为致命错误交由调用方处理。
func (f *SnapshotFile) Load() (open, closed []*PositionRecord, err error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("读取快照失败: %w", err)
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, nil, fmt.Errorf("快照损坏（JSON 解析失败）: %w", err)
	}
	var body snapshotBody
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, nil, fmt.Errorf("快照损坏（结构解析失败）: %w", err)
	}
	// 记录未知顶层字段，Save 时带回。
	extra := map[string]json.RawMessage{}
	for k, v := range doc {
		switch k {
		case "version", "saved_at", "open", "closed":
		default:
			extra[k] = v
		}
	}
	f.extra = extra
	return body.Open, body.Closed, nil
}

// Reset 破坏性重置前先备份原文件（带时间戳的 .bak），再删除。
func (f *SnapshotFile) Reset() error {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("读取待重置快照失败: %w", err)
	}
	bak := fmt.Sprintf("%s.bak.%d", f.path, time.Now().Unix())
	if err := os.WriteFile(bak, data, 0o644); err != nil {
		return fmt.Errorf("写入快照备份失败: %w", err)
	}
	if err := os.Remove(f.path); err != nil {
		return fmt.Errorf("删除旧快照失败: %w", err)
	}
	f.extra = map[string]json.RawMessage{}
	return nil
}
