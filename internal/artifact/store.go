package artifact

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	xerrors "SwapSentinel/internal/errors"
)

// Store 把制品以只追加的方式写进 <root>/runs/<run_id>/ 目录。文件用
// O_EXCL 创建，存在即报错，任何制品一旦落盘就不再改写。制品标识由
// uuid 保证唯一，所以并发写入是安全的。
type Store struct {
	root string
}

// NewStore 创建制品仓库并确保根目录存在。
func NewStore(root string) (*Store, error) {
	if strings.TrimSpace(root) == "" {
		return nil, xerrors.New(xerrors.CodeConfigInvalid, "制品仓库根目录为空")
	}
	if err := os.MkdirAll(filepath.Join(root, "runs"), 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建制品目录失败")
	}
	return &Store{root: root}, nil
}

// Root 返回仓库根目录。
func (s *Store) Root() string { return s.root }

// Write 落盘一条制品并返回最终路径。
func (s *Store) Write(art Artifact) (string, error) {
	if art.RunID == "" || art.ArtifactID == "" {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "制品缺少 run_id 或 artifact_id")
	}
	runDir := filepath.Join(s.root, "runs", art.RunID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建运行目录失败")
	}

	path := filepath.Join(runDir, art.ArtifactID+".json")
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeStorageFailure, err,
			fmt.Sprintf("制品 %s 已存在或无法创建", art.ArtifactID))
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(art); err != nil {
		return "", xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化制品失败")
	}
	return path, nil
}

// List 返回一次运行的全部制品标识，按字典序。
func (s *Store) List(runID string) ([]string, error) {
	runDir := filepath.Join(s.root, "runs", runID)
	entries, err := os.ReadDir(runDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取运行目录失败")
	}
	var ids []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(entry.Name(), ".json"))
	}
	sort.Strings(ids)
	return ids, nil
}

// Read 读回一条指定制品。
func (s *Store) Read(runID, artifactID string) (Artifact, error) {
	path := filepath.Join(s.root, "runs", runID, artifactID+".json")
	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Artifact{}, xerrors.New(xerrors.CodeNotFound,
				fmt.Sprintf("制品 %s/%s 不存在", runID, artifactID))
		}
		return Artifact{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取制品失败")
	}
	var art Artifact
	if err := json.Unmarshal(content, &art); err != nil {
		return Artifact{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析制品失败")
	}
	return art, nil
}
