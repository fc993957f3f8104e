// Package main 数据库迁移工具
package main

import (
	"log"
	"time"

	"github.com/pu-ac-cn/uac-cas/internal/config"
	"github.com/pu-ac-cn/uac-cas/internal/database"
	"github.com/pu-ac-cn/uac-cas/internal/model"
	"github.com/spf13/pflag"
)

func main() {
	// 命令行参数
	configPath := pflag.StringP("config", "c", "", "配置文件路径")
	purge := pflag.Bool("purge-expired", false, "迁移后删除已过期的票据记录")
	pflag.Parse()

	// 加载配置
	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.LoadFromFile(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}

	// 初始化数据库连接
	if err := database.Init(&cfg.Database); err != nil {
		log.Fatalf("初始化数据库失败: %v", err)
	}
	defer database.Close()
	log.Println("数据库连接成功")

	// 执行迁移
	log.Println("开始执行数据库迁移...")
	if err := database.AutoMigrate(&model.TicketRecord{}); err != nil {
		log.Fatalf("迁移失败: %v", err)
	}
	log.Println("数据库迁移完成！")
	log.Printf("  - %s (票据表)", model.TicketRecord{}.TableName())

	// 只删除记录本身，子票据由各自的过期时间清理
	if *purge {
		res := database.GetDB().
			Where("expires_at IS NOT NULL AND expires_at < ?", time.Now()).
			Delete(&model.TicketRecord{})
		if res.Error != nil {
			log.Fatalf("清理过期票据失败: %v", res.Error)
		}
		log.Printf("已清理过期票据 %d 条", res.RowsAffected)
	}
}
