package processor

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// widenPermissions makes the tree group-accessible (0770 directories, 0660
// files) so the module container's user can read inputs and write outputs.
func widenPermissions(root string) error {
	return chmodTree(root, 0770, 0660)
}

// restorePermissions reverts a tree to conservative modes after the module
// container finished.
func restorePermissions(root string) error {
	return chmodTree(root, 0755, 0644)
}

func chmodTree(root string, dirMode, fileMode fs.FileMode) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		var mode = fileMode
		if d.IsDir() {
			mode = dirMode
		}
		if err = os.Chmod(path, mode); err != nil {
			return fmt.Errorf("chmod %s: %w", path, err)
		}
		return nil
	})
}
